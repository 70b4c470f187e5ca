package crypto

import (
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedis/adq/message"
)

type fakeRecord int32

func (r fakeRecord) Equal(o message.Record) bool {
	v, ok := o.(fakeRecord)
	return ok && v == r
}

func (r fakeRecord) Encode() []byte {
	return []byte{byte(r), byte(r >> 8), byte(r >> 16), byte(r >> 24)}
}

type fakeCodec struct{}

func (fakeCodec) DecodeRecord(b []byte) (message.Record, error) {
	v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
	return fakeRecord(v), nil
}

// buildFederation generates an n-node test federation sharing one utility
// key pair, with every node's Engine able to verify every other node's
// and the utility's signatures.
func buildFederation(t *testing.T, n int) (utility *Engine, nodes map[message.NodeID]*Engine) {
	t.Helper()
	utilPriv, err := GenerateKeyPair()
	require.NoError(t, err)

	privs := make(map[message.NodeID]*rsa.PrivateKey, n)
	for i := 0; i < n; i++ {
		p, err := GenerateKeyPair()
		require.NoError(t, err)
		privs[message.NodeID(i)] = p
	}

	nodes = make(map[message.NodeID]*Engine, n)
	for id, priv := range privs {
		peers := make(map[message.NodeID]*rsa.PublicKey, n-1)
		for otherID, otherPriv := range privs {
			if otherID != id {
				peers[otherID] = &otherPriv.PublicKey
			}
		}
		ks := &KeySet{Self: id, Private: priv, Utility: &utilPriv.PublicKey, Peers: peers}
		nodes[id] = New(ks, fakeCodec{})
	}

	utilPeers := make(map[message.NodeID]*rsa.PublicKey, n)
	for id, priv := range privs {
		utilPeers[id] = &priv.PublicKey
	}
	utility = New(&KeySet{Self: message.UtilityID, Private: utilPriv, Peers: utilPeers}, fakeCodec{})
	return utility, nodes
}

func TestBlindSignUnblindRoundTrip(t *testing.T) {
	utility, nodes := buildFederation(t, 3)
	client := nodes[0]

	tuple := &message.ValueTuple{QueryNum: 1, Value: fakeRecord(42), Proxies: []message.NodeID{0, 1, 2}}

	blinded, err := client.Blind(tuple)
	require.NoError(t, err)

	blindSig, err := utility.SignBlinded(blinded)
	require.NoError(t, err)

	sig, err := client.Unblind(tuple, blindSig)
	require.NoError(t, err)
	assert.False(t, sig.IsZero())
	assert.True(t, client.VerifyUtility(tuple, sig))
}

func TestVerifyUtilityRejectsTamperedSignature(t *testing.T) {
	utility, nodes := buildFederation(t, 1)
	client := nodes[0]
	tuple := &message.ValueTuple{QueryNum: 1, Value: fakeRecord(3), Proxies: []message.NodeID{0}}

	blinded, err := client.Blind(tuple)
	require.NoError(t, err)
	blindSig, err := utility.SignBlinded(blinded)
	require.NoError(t, err)
	sig, err := client.Unblind(tuple, blindSig)
	require.NoError(t, err)

	tampered := sig
	tampered[0] ^= 0xff
	assert.False(t, client.VerifyUtility(tuple, tampered))
}

func TestBlindTwiceWithoutUnblindFails(t *testing.T) {
	_, nodes := buildFederation(t, 1)
	client := nodes[0]
	tuple := &message.ValueTuple{QueryNum: 1, Value: fakeRecord(1), Proxies: []message.NodeID{0}}

	_, err := client.Blind(tuple)
	require.NoError(t, err)
	_, err = client.Blind(tuple)
	assert.ErrorIs(t, err, ErrAwaitingUnblind)
}

func TestSignAndVerifyContribution(t *testing.T) {
	_, nodes := buildFederation(t, 2)
	c := &message.ValueContribution{
		Tuple:            message.ValueTuple{QueryNum: 1, Value: fakeRecord(7), Proxies: []message.NodeID{0, 1}},
		UtilitySignature: message.Signature{1},
	}
	sig, err := nodes[0].SignContribution(c)
	require.NoError(t, err)
	assert.True(t, nodes[1].VerifyContribution(c, sig, 0))
	assert.False(t, nodes[1].VerifyContribution(c, sig, 1))
}

func TestSignAndVerifyAgreement(t *testing.T) {
	_, nodes := buildFederation(t, 3)
	contrib := &message.ValueContribution{
		Tuple: message.ValueTuple{QueryNum: 2, Value: fakeRecord(3), Proxies: []message.NodeID{0, 1, 2}},
	}
	sv := message.NewSignedValue(contrib)
	sig0, err := nodes[0].SignContribution(contrib)
	require.NoError(t, err)
	sv.Signatures[0] = sig0

	accepterSig, err := nodes[1].SignAgreement(sv)
	require.NoError(t, err)
	av := &message.AgreementValue{SignedValue: *sv, AccepterID: 1, AccepterSignature: accepterSig}
	assert.True(t, nodes[2].VerifyAgreement(av))

	av.AccepterID = 2
	assert.False(t, nodes[2].VerifyAgreement(av))
}

func TestEnvelopeEncryptDecryptRoundTrip(t *testing.T) {
	_, nodes := buildFederation(t, 2)
	contrib := &message.ValueContribution{
		Tuple: message.ValueTuple{QueryNum: 1, Value: fakeRecord(99), Proxies: []message.NodeID{0, 1}},
	}
	msg := &message.OverlayMessage{QueryNum: 1, Destination: 1, Enclosed: contrib}

	require.NoError(t, nodes[0].EnvelopeEncrypt(msg, 1))
	assert.True(t, msg.Encrypted)
	_, isBytes := msg.Enclosed.(message.BytesBody)
	assert.True(t, isBytes)

	require.NoError(t, nodes[1].EnvelopeDecrypt(msg))
	assert.False(t, msg.Encrypted)
	got := msg.Enclosed.(*message.ValueContribution)
	assert.True(t, contrib.Equal(got))
}

func TestBuildOnionPeelsOneHopAtATime(t *testing.T) {
	_, nodes := buildFederation(t, 3)
	payload := &message.ValueContribution{
		Tuple: message.ValueTuple{QueryNum: 1, Value: fakeRecord(5), Proxies: []message.NodeID{0, 1, 2}},
	}
	path := []message.NodeID{1, 2}
	onion, err := nodes[0].BuildOnion(path, 1, payload)
	require.NoError(t, err)
	assert.Equal(t, message.NodeID(1), onion.Destination)
	assert.True(t, onion.Encrypted)

	require.NoError(t, nodes[1].EnvelopeDecrypt(onion))
	inner := onion.Enclosed.(*message.OverlayMessage)
	assert.Equal(t, message.NodeID(2), inner.Destination)
	assert.True(t, inner.Encrypted)

	require.NoError(t, nodes[2].EnvelopeDecrypt(inner))
	got := inner.Enclosed.(*message.ValueContribution)
	assert.True(t, payload.Equal(got))
}
