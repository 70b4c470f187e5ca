package agreement

import (
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedis/adq/crypto"
	"github.com/dedis/adq/message"
)

type fakeRecord int32

func (r fakeRecord) Equal(o message.Record) bool {
	v, ok := o.(fakeRecord)
	return ok && v == r
}

func (r fakeRecord) Encode() []byte { return []byte{byte(r)} }

// federation builds n nodes sharing public keys with each other, enough for
// AgreementState's cross-signature verification to exercise real RSA keys.
func federation(t *testing.T, n int) map[message.NodeID]*crypto.Engine {
	t.Helper()
	privs := make(map[message.NodeID]*rsa.PrivateKey, n)
	for i := 0; i < n; i++ {
		p, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		privs[message.NodeID(i)] = p
	}
	engines := make(map[message.NodeID]*crypto.Engine, n)
	for id, priv := range privs {
		peers := make(map[message.NodeID]*rsa.PublicKey, n-1)
		for otherID, otherPriv := range privs {
			if otherID != id {
				peers[otherID] = &otherPriv.PublicKey
			}
		}
		engines[id] = crypto.New(&crypto.KeySet{Self: id, Private: priv, Peers: peers}, nil)
	}
	return engines
}

func contributionFor(proxies []message.NodeID) *message.ValueContribution {
	return &message.ValueContribution{
		Tuple: message.ValueTuple{QueryNum: 1, Value: fakeRecord(1), Proxies: proxies},
	}
}

func TestFinishPhase1RequiresLogNPlusOneSignatures(t *testing.T) {
	// 4 proxies, logN = 2, so valid-for-accept needs 3 distinct signatures.
	proxies := []message.NodeID{0, 1, 2, 3}
	engines := federation(t, 4)
	contrib := contributionFor(proxies)

	s := New(engines[0], 2)
	sig0, err := engines[0].SignContribution(contrib)
	require.NoError(t, err)
	s.Seed(contrib, 0, sig0)

	out, err := s.FinishPhase1(0)
	require.NoError(t, err)
	assert.Empty(t, out, "only one signature so far, must not reach valid-for-accept")

	sv := message.NewSignedValue(contrib)
	sv.Signatures[0] = sig0
	for _, id := range []message.NodeID{1, 2} {
		sig, err := engines[id].SignContribution(contrib)
		require.NoError(t, err)
		require.NoError(t, s.HandlePhase1(&message.SignedValue{Contribution: contrib, Signatures: map[message.NodeID]message.Signature{id: sig}}))
		sv.Signatures[id] = sig
	}

	out, err = s.FinishPhase1(0)
	require.NoError(t, err)
	require.Len(t, out, 3, "one phase-2 message per other proxy")
	for _, o := range out {
		assert.NotEqual(t, message.NodeID(0), o.Destination)
		assert.True(t, engines[o.Destination].VerifyAgreement(o.Body))
	}
	assert.True(t, s.PhaseOneFinished())
}

func TestHandlePhase1RejectsBadSignature(t *testing.T) {
	proxies := []message.NodeID{0, 1}
	engines := federation(t, 2)
	contrib := contributionFor(proxies)

	s := New(engines[0], 1)
	forged := message.Signature{} // all zeroes, does not verify
	err := s.HandlePhase1(&message.SignedValue{Contribution: contrib, Signatures: map[message.NodeID]message.Signature{1: forged}})
	assert.Error(t, err)
}

func TestHandlePhase2PrunesInvalidSignaturesAndEnforcesThreshold(t *testing.T) {
	// 6 proxies, logN = 3: phase-2 needs >= 3 valid signatures excluding the
	// accepter's own, and FinishPhase2 then needs >= logN+1 = 4 stored
	// signatures total to call the contribution accepted.
	proxies := []message.NodeID{0, 1, 2, 3, 4, 5}
	engines := federation(t, 6)
	contrib := contributionFor(proxies)

	sv := message.NewSignedValue(contrib)
	for _, id := range []message.NodeID{0, 1, 2, 3} {
		sig, err := engines[id].SignContribution(contrib)
		require.NoError(t, err)
		sv.Signatures[id] = sig
	}
	// One bad entry that must be pruned without failing the whole message.
	sv.Signatures[4] = message.Signature{}

	accepterSig, err := engines[5].SignAgreement(sv)
	require.NoError(t, err)
	av := &message.AgreementValue{SignedValue: *sv, AccepterID: 5, AccepterSignature: accepterSig}

	s := New(engines[1], 3)
	require.NoError(t, s.HandlePhase2(av))

	accepted := s.FinishPhase2()
	require.Len(t, accepted, 1)
	assert.True(t, contrib.Equal(accepted[0]))
}

func TestHandlePhase2RejectsBelowThreshold(t *testing.T) {
	proxies := []message.NodeID{0, 1, 2, 3, 4, 5}
	engines := federation(t, 6)
	contrib := contributionFor(proxies)

	sv := message.NewSignedValue(contrib)
	sig0, err := engines[0].SignContribution(contrib)
	require.NoError(t, err)
	sv.Signatures[0] = sig0

	accepterSig, err := engines[5].SignAgreement(sv)
	require.NoError(t, err)
	av := &message.AgreementValue{SignedValue: *sv, AccepterID: 5, AccepterSignature: accepterSig}

	s := New(engines[1], 3)
	err = s.HandlePhase2(av)
	assert.Error(t, err)
	assert.Empty(t, s.FinishPhase2())
}

func TestHandlePhase2RejectsBadAccepterSignature(t *testing.T) {
	proxies := []message.NodeID{0, 1}
	engines := federation(t, 2)
	contrib := contributionFor(proxies)
	sv := message.NewSignedValue(contrib)
	sig0, err := engines[0].SignContribution(contrib)
	require.NoError(t, err)
	sv.Signatures[0] = sig0

	av := &message.AgreementValue{SignedValue: *sv, AccepterID: 1, AccepterSignature: message.Signature{}}
	s := New(engines[0], 1)
	assert.Error(t, s.HandlePhase2(av))
}
