// Package crypto implements CryptoEngine (C1): RSA sign/verify, the
// stateful blind-signature dance between a client and the utility,
// envelope encryption of onion layers, and onion construction.
//
// There is no blind-RSA or envelope-encryption library anywhere in the
// retrieval pack this module was grounded on, so the primitives here are
// built directly on crypto/rsa, crypto/aes and crypto/cipher — see
// DESIGN.md for the justification. All randomness is drawn from
// crypto/rand.Reader, the same source rsa.SignPKCS1v15/rsa.EncryptOAEP
// already require.
package crypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/dedis/adq/message"
)

// ErrAwaitingUnblind is returned by Blind when a previous blinding factor
// has not yet been consumed by Unblind — the state machine documented in
// the design notes as replacing the source's single mutable secret.
var ErrAwaitingUnblind = errors.New("crypto: a blind() is already awaiting its matching unblind()")

// ErrNoUnblindPending is returned by Unblind when called without a prior
// matching Blind call.
var ErrNoUnblindPending = errors.New("crypto: unblind() called with no pending blind()")

// KeySet is the immutable key material one node is constructed with: its
// own RSA-2048 key pair, the utility's public key, and the public keys of
// every other node it may need to verify a signature from or encrypt an
// envelope to.
type KeySet struct {
	Self    message.NodeID
	Private *rsa.PrivateKey
	Utility *rsa.PublicKey
	Peers   map[message.NodeID]*rsa.PublicKey
}

// PublicKey resolves the public key of id, which may be message.UtilityID
// or this node's own id.
func (k *KeySet) PublicKey(id message.NodeID) (*rsa.PublicKey, bool) {
	if id == k.Self && k.Private != nil {
		return &k.Private.PublicKey, true
	}
	if id == message.UtilityID {
		return k.Utility, k.Utility != nil
	}
	pub, ok := k.Peers[id]
	return pub, ok
}

// Engine is CryptoEngine (C1). It is not safe for concurrent use: it is
// owned exclusively by one ProtocolEngine, matching the single-owner
// concurrency model the rest of this module follows.
type Engine struct {
	keys  *KeySet
	codec message.RecordCodec

	// blinding holds the random factor used by the most recent Blind
	// call, consumed by the next Unblind. nil when no blind is pending.
	blinding *blindState
}

type blindState struct {
	r          *big.Int
	rInv       *big.Int
	queryDigest []byte
}

// New constructs a CryptoEngine over the given key material and record
// codec (needed to decode Records embedded in signed/verified payloads).
func New(keys *KeySet, codec message.RecordCodec) *Engine {
	return &Engine{keys: keys, codec: codec}
}

// Self returns the node id this engine signs and encrypts on behalf of.
func (e *Engine) Self() message.NodeID { return e.keys.Self }

func digest(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

func signDigest(priv *rsa.PrivateKey, d []byte) (message.Signature, error) {
	var out message.Signature
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, d)
	if err != nil {
		return out, fmt.Errorf("crypto: sign: %w", err)
	}
	if len(sig) != message.SignatureSize {
		return out, fmt.Errorf("crypto: unexpected signature length %d", len(sig))
	}
	copy(out[:], sig)
	return out, nil
}

func verifyDigest(pub *rsa.PublicKey, d []byte, sig message.Signature) bool {
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, d, sig[:]) == nil
}

// SignContribution produces this node's signature over a ValueContribution,
// for use as a proxy's entry in a SignedValue during AGREEMENT phase 1.
func (e *Engine) SignContribution(c *message.ValueContribution) (message.Signature, error) {
	return signDigest(e.keys.Private, digest(contributionBytes(c)))
}

// VerifyContribution checks a purported signer's signature over c.
func (e *Engine) VerifyContribution(c *message.ValueContribution, sig message.Signature, signer message.NodeID) bool {
	pub, ok := e.keys.PublicKey(signer)
	if !ok {
		return false
	}
	return verifyDigest(pub, digest(contributionBytes(c)), sig)
}

// VerifyUtility checks the utility's blind signature over a ValueTuple,
// i.e. the contract a proxy relies on before admitting a contribution into
// SHUFFLE. The blind-signature protocol (Blind/SignBlinded/Unblind) works
// over the raw digest with no PKCS#1 padding, so verification here is
// textbook RSA (sig^e mod n == digest mod n) rather than VerifyPKCS1v15.
func (e *Engine) VerifyUtility(t *message.ValueTuple, sig message.Signature) bool {
	if e.keys.Utility == nil {
		return false
	}
	pub := e.keys.Utility
	n := pub.N

	s := new(big.Int).SetBytes(sig[:])
	if s.Cmp(n) >= 0 {
		return false
	}
	got := new(big.Int).Exp(s, big.NewInt(int64(pub.E)), n)

	want := new(big.Int).SetBytes(digest(t.CanonicalBytes()))
	want.Mod(want, n)

	return got.Cmp(want) == 0
}

// signedValueBytes returns the canonical bytes an AgreementValue's outer
// signature is computed over: the contribution plus every (signer, sig)
// pair sorted by signer id, so that signature verification is independent
// of map iteration order.
func signedValueBytes(sv *message.SignedValue, accepter message.NodeID) []byte {
	ids := make([]message.NodeID, 0, len(sv.Signatures))
	for id := range sv.Signatures {
		ids = append(ids, id)
	}
	sortNodeIDs(ids)
	buf := contributionBytes(sv.Contribution)
	for _, id := range ids {
		sig := sv.Signatures[id]
		buf = append(buf, byte(id), byte(id>>8), byte(id>>16), byte(id>>24))
		buf = append(buf, sig[:]...)
	}
	buf = append(buf, byte(accepter), byte(accepter>>8), byte(accepter>>16), byte(accepter>>24))
	return buf
}

func contributionBytes(c *message.ValueContribution) []byte {
	buf := append([]byte{}, c.Tuple.CanonicalBytes()...)
	return append(buf, c.UtilitySignature[:]...)
}

func sortNodeIDs(ids []message.NodeID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// SignAgreement produces this node's accepter signature over sv, binding
// in the accepter's own id, for use as the outer AgreementValue signature
// in AGREEMENT phase 2.
func (e *Engine) SignAgreement(sv *message.SignedValue) (message.Signature, error) {
	return signDigest(e.keys.Private, digest(signedValueBytes(sv, e.keys.Self)))
}

// VerifyAgreement checks the outer accepter signature of an AgreementValue.
func (e *Engine) VerifyAgreement(a *message.AgreementValue) bool {
	pub, ok := e.keys.PublicKey(a.AccepterID)
	if !ok {
		return false
	}
	return verifyDigest(pub, digest(signedValueBytes(&a.SignedValue, a.AccepterID)), a.AccepterSignature)
}

// --- blind signatures ---

// Blind prepares t for the utility's blind-signing service, saving the
// blinding factor for the matching Unblind call. Calling Blind again
// before Unblind consumes the previous factor is a usage error.
func (e *Engine) Blind(t *message.ValueTuple) ([]byte, error) {
	if e.blinding != nil {
		return nil, ErrAwaitingUnblind
	}
	if e.keys.Utility == nil {
		return nil, errors.New("crypto: no utility public key configured")
	}
	n := e.keys.Utility.N
	e_ := big.NewInt(int64(e.keys.Utility.E))

	r, err := randomUnit(n)
	if err != nil {
		return nil, fmt.Errorf("crypto: blind: %w", err)
	}
	rInv := new(big.Int).ModInverse(r, n)
	if rInv == nil {
		return nil, errors.New("crypto: blind: blinding factor not invertible")
	}

	d := digest(t.CanonicalBytes())
	m := new(big.Int).SetBytes(d)
	m.Mod(m, n)

	rE := new(big.Int).Exp(r, e_, n)
	blinded := new(big.Int).Mul(m, rE)
	blinded.Mod(blinded, n)

	e.blinding = &blindState{r: r, rInv: rInv, queryDigest: d}
	return blinded.Bytes(), nil
}

// SignBlinded is the utility-side half of the blind-signature protocol: it
// signs an opaque blinded buffer with the utility's private key, never
// learning the underlying ValueTuple.
func (e *Engine) SignBlinded(blinded []byte) ([]byte, error) {
	if e.keys.Private == nil {
		return nil, errors.New("crypto: sign_blinded requires a utility private key")
	}
	n := e.keys.Private.N
	d := e.keys.Private.D
	m := new(big.Int).SetBytes(blinded)
	if m.Cmp(n) >= 0 {
		return nil, errors.New("crypto: sign_blinded: blinded value out of range")
	}
	s := new(big.Int).Exp(m, d, n)
	return s.Bytes(), nil
}

// Unblind consumes the pending blinding factor to turn the utility's blind
// signature over t into a plain signature, verifying it against the
// utility's public key before returning — matching the reference
// implementation's brsa_finalize, which unblinds and verifies in one step.
func (e *Engine) Unblind(t *message.ValueTuple, blindSig []byte) (message.Signature, error) {
	var out message.Signature
	if e.blinding == nil {
		return out, ErrNoUnblindPending
	}
	st := e.blinding
	e.blinding = nil

	n := e.keys.Utility.N
	s := new(big.Int).SetBytes(blindSig)
	sig := new(big.Int).Mul(s, st.rInv)
	sig.Mod(sig, n)

	sigBytes := sig.Bytes()
	if len(sigBytes) > message.SignatureSize {
		return out, errors.New("crypto: unblind: signature too large")
	}
	copy(out[message.SignatureSize-len(sigBytes):], sigBytes)

	if !e.VerifyUtility(t, out) {
		return out, errors.New("crypto: unblind: resulting signature does not verify")
	}
	return out, nil
}

func randomUnit(n *big.Int) (*big.Int, error) {
	for i := 0; i < 64; i++ {
		r, err := rand.Int(rand.Reader, n)
		if err != nil {
			return nil, err
		}
		if r.Sign() == 0 {
			continue
		}
		g := new(big.Int).GCD(nil, nil, r, n)
		if g.Cmp(big.NewInt(1)) == 0 {
			return r, nil
		}
	}
	return nil, errors.New("crypto: could not find invertible blinding factor")
}

// --- envelope encryption ---

// aesKeySize is the length of an envelope's fresh AES-256 session key. Only
// this key is RSA-OAEP encrypted (well under a 2048-bit modulus's
// OAEP(SHA-256) payload limit); the GCM nonce follows it unencrypted.
const aesKeySize = 32

// EnvelopeEncrypt replaces msg's enclosed body with its envelope-encrypted
// ciphertext under target's RSA public key, and sets msg.Encrypted. The
// envelope is hybrid: a random AES-256-GCM session key encrypts the
// serialised body, and only that session key is RSA-OAEP encrypted,
// matching conventional "envelope encryption" (as in OpenSSL's EVP_Seal)
// rather than raw RSA, whose payload limit the onion layers would
// otherwise routinely exceed.
func (e *Engine) EnvelopeEncrypt(msg *message.OverlayMessage, target message.NodeID) error {
	pub, ok := e.keys.PublicKey(target)
	if !ok {
		return fmt.Errorf("crypto: no public key for node %d", target)
	}
	plaintext := message.EncodeBody(msg.Enclosed)

	sessionKey := make([]byte, aesKeySize)
	if _, err := io.ReadFull(rand.Reader, sessionKey); err != nil {
		return fmt.Errorf("crypto: envelope: %w", err)
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return fmt.Errorf("crypto: envelope: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("crypto: envelope: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("crypto: envelope: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	encryptedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return fmt.Errorf("crypto: envelope: rsa-oaep: %w", err)
	}

	w := make([]byte, 0, 4+len(encryptedKey)+4+len(nonce)+len(sealed))
	w = appendLenPrefixed(w, encryptedKey)
	w = appendLenPrefixed(w, nonce)
	w = append(w, sealed...)

	msg.Enclosed = message.BytesBody(w)
	msg.Encrypted = true
	return nil
}

// EnvelopeDecrypt reverses EnvelopeEncrypt in place using this node's
// private key, restoring msg.Enclosed to its original Body value.
func (e *Engine) EnvelopeDecrypt(msg *message.OverlayMessage) error {
	bb, ok := msg.Enclosed.(message.BytesBody)
	if !ok {
		return fmt.Errorf("crypto: envelope decrypt: enclosed body is %T, not ciphertext", msg.Enclosed)
	}
	buf := []byte(bb)
	encryptedKey, rest, err := readLenPrefixed(buf)
	if err != nil {
		return fmt.Errorf("crypto: envelope: %w", err)
	}
	nonce, sealed, err := readLenPrefixed(rest)
	if err != nil {
		return fmt.Errorf("crypto: envelope: %w", err)
	}

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, e.keys.Private, encryptedKey, nil)
	if err != nil {
		return fmt.Errorf("crypto: envelope: rsa-oaep: %w", err)
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return fmt.Errorf("crypto: envelope: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("crypto: envelope: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("crypto: envelope: aead: %w", err)
	}

	body, err := message.DecodeBody(plaintext, e.codec)
	if err != nil {
		return fmt.Errorf("crypto: envelope: %w", err)
	}
	msg.Enclosed = body
	msg.Encrypted = false
	return nil
}

// BuildOnion wraps payload in nested, envelope-encrypted OverlayMessages,
// one per hop of path, innermost (path's last hop) first, returning the
// outermost message addressed to path[0] — the only hop the caller
// transmits to directly.
func (e *Engine) BuildOnion(path []message.NodeID, queryNum int32, payload message.Body) (*message.OverlayMessage, error) {
	if len(path) == 0 {
		return nil, errors.New("crypto: build_onion: empty path")
	}
	var body message.Body = payload
	for i := len(path) - 1; i >= 0; i-- {
		layer := &message.OverlayMessage{QueryNum: queryNum, Destination: path[i], Enclosed: body}
		if err := e.EnvelopeEncrypt(layer, path[i]); err != nil {
			return nil, fmt.Errorf("crypto: build_onion: hop %d (%d): %w", i, path[i], err)
		}
		body = layer
	}
	return body.(*message.OverlayMessage), nil
}

func appendLenPrefixed(dst, b []byte) []byte {
	n := uint32(len(b))
	dst = append(dst, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	return append(dst, b...)
}

func readLenPrefixed(buf []byte) (field, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, errors.New("truncated length prefix")
	}
	n := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, errors.New("truncated field")
	}
	return buf[:n], buf[n:], nil
}
