// Package message defines the data model and wire grammar shared by every
// node in the federation: the value tuples and signature bundles that flow
// through SHUFFLE and AGREEMENT, the transport envelopes the gossip overlay
// exchanges every round, and the query/signature request-response pairs
// exchanged with the utility.
package message

import "fmt"

// NodeID identifies a client in the federation, or the utility when equal
// to UtilityID. Node ids are dense integers in [0, N) except for this one
// reserved sentinel.
type NodeID int32

// UtilityID is the reserved id of the coordinating server. It never appears
// in a client's proxy set.
const UtilityID NodeID = -1

// SignatureSize is the fixed width of every RSA signature on the wire.
const SignatureSize = 256

// Signature is a fixed-size RSA-2048 signature.
type Signature [SignatureSize]byte

// IsZero reports whether the signature has never been assigned.
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// Opcode selects one of the data source's select/filter/aggregate functions.
type Opcode uint32

// Record is an application-typed value produced by the data source. It must
// be self-describing on the wire (Encode/Decode) and value-comparable
// (Equal) so that ValueTuple and ValueContribution equality holds per the
// data model's entity invariants.
type Record interface {
	Equal(other Record) bool
	Encode() []byte
}

// RecordCodec decodes the application-specific byte encoding of a Record.
// It is supplied by the data source collaborator (meterdata, or a test
// fake) and threaded through every wire-decode call that may encounter a
// Record.
type RecordCodec interface {
	DecodeRecord([]byte) (Record, error)
}

// ValueTuple is the payload a client blinds and asks the utility to sign.
type ValueTuple struct {
	QueryNum int32
	Value    Record
	Proxies  []NodeID
}

// Equal compares query number, value, and the full proxy sequence, matching
// the data model's requirement that distinct proxy sets do not collide.
func (t *ValueTuple) Equal(o *ValueTuple) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.QueryNum != o.QueryNum || len(t.Proxies) != len(o.Proxies) {
		return false
	}
	if t.Value == nil || o.Value == nil {
		if t.Value != o.Value {
			return false
		}
	} else if !t.Value.Equal(o.Value) {
		return false
	}
	for i := range t.Proxies {
		if t.Proxies[i] != o.Proxies[i] {
			return false
		}
	}
	return true
}

// CanonicalBytes returns a deterministic byte encoding of the tuple, used
// both as the message blinded/signed by the utility and as the hash key
// for contribution de-duplication.
func (t *ValueTuple) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16+len(t.Proxies)*4)
	buf = appendInt32(buf, t.QueryNum)
	if t.Value != nil {
		buf = appendBytes(buf, t.Value.Encode())
	} else {
		buf = appendBytes(buf, nil)
	}
	buf = appendInt32(buf, int32(len(t.Proxies)))
	for _, p := range t.Proxies {
		buf = appendInt32(buf, int32(p))
	}
	return buf
}

// ValueContribution is a ValueTuple together with the utility's signature
// over it, produced once the owning client unblinds the utility's response.
type ValueContribution struct {
	Tuple            ValueTuple
	UtilitySignature Signature
}

// Equal compares both the tuple and the signature, per the data model.
func (c *ValueContribution) Equal(o *ValueContribution) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Tuple.Equal(&o.Tuple) && c.UtilitySignature == o.UtilitySignature
}

// Key returns a comparable de-duplication key for use as a map key, since
// ValueContribution itself holds a slice (Proxies) and cannot be used
// directly as a map key.
func (c *ValueContribution) Key() string {
	return string(c.Tuple.CanonicalBytes()) + string(c.UtilitySignature[:])
}

// SignedValue accumulates per-proxy signatures over one ValueContribution
// during AGREEMENT phase 1.
type SignedValue struct {
	Contribution *ValueContribution
	Signatures   map[NodeID]Signature
}

// NewSignedValue starts an empty signature bundle for contribution c.
func NewSignedValue(c *ValueContribution) *SignedValue {
	return &SignedValue{Contribution: c, Signatures: make(map[NodeID]Signature)}
}

// Merge idempotently adds or replaces the signatures in other into sv.
func (sv *SignedValue) Merge(other map[NodeID]Signature) {
	for id, sig := range other {
		sv.Signatures[id] = sig
	}
}

// Clone returns a deep-enough copy of sv suitable for attaching to an
// outgoing AgreementValue without aliasing the stored signature map.
func (sv *SignedValue) Clone() *SignedValue {
	out := NewSignedValue(sv.Contribution)
	for id, sig := range sv.Signatures {
		out.Signatures[id] = sig
	}
	return out
}

// AgreementValue is a SignedValue re-signed by an accepter during AGREEMENT
// phase 2.
type AgreementValue struct {
	SignedValue       SignedValue
	AccepterID        NodeID
	AccepterSignature Signature
}

// BodyType tags the concrete type enclosed in an OverlayMessage, standing
// in for the source's inheritance-based polymorphism with a tagged variant
// dispatched by a switch, not a type cast.
type BodyType uint16

const (
	BodyOverlay BodyType = iota
	BodyPathOverlay
	BodyValueContribution
	BodySignedValue
	BodyAgreementValue
	BodyBytes
)

func (t BodyType) String() string {
	switch t {
	case BodyOverlay:
		return "Overlay"
	case BodyPathOverlay:
		return "PathOverlay"
	case BodyValueContribution:
		return "ValueContribution"
	case BodySignedValue:
		return "SignedValue"
	case BodyAgreementValue:
		return "AgreementValue"
	case BodyBytes:
		return "Bytes"
	default:
		return fmt.Sprintf("BodyType(%d)", uint16(t))
	}
}

// Body is implemented by every concrete type that may be enclosed in an
// OverlayMessage.
type Body interface {
	BodyType() BodyType
}

// BytesBody is the placeholder enclosed body of an encrypted OverlayMessage:
// once CryptoEngine.EnvelopeEncrypt runs, the real body is replaced by its
// ciphertext here until the receiving hop decrypts it back.
type BytesBody []byte

// BodyType implements Body.
func (BytesBody) BodyType() BodyType { return BodyBytes }

// BodyType implements Body.
func (*ValueContribution) BodyType() BodyType { return BodyValueContribution }

// BodyType implements Body.
func (*SignedValue) BodyType() BodyType { return BodySignedValue }

// BodyType implements Body.
func (*AgreementValue) BodyType() BodyType { return BodyAgreementValue }

// OverlayMessage is the application-level payload carried by one hop of the
// gossip overlay; it may itself be the enclosed body of another
// OverlayMessage, forming an onion layer.
type OverlayMessage struct {
	QueryNum    int32
	Destination NodeID
	Encrypted   bool
	Flood       bool
	Enclosed    Body
}

// BodyType implements Body: an OverlayMessage may enclose another one.
func (*OverlayMessage) BodyType() BodyType { return BodyOverlay }

// PathOverlayMessage is a source-routed OverlayMessage: RemainingPath holds
// the hops still to traverse after Destination.
type PathOverlayMessage struct {
	OverlayMessage
	RemainingPath []NodeID
}

// BodyType implements Body.
func (*PathOverlayMessage) BodyType() BodyType { return BodyPathOverlay }

// NewPathOverlayMessage builds a PathOverlayMessage addressed to the first
// hop of path, with the rest of path stored as the remaining route.
func NewPathOverlayMessage(path []NodeID, queryNum int32, enclosed Body) *PathOverlayMessage {
	if len(path) == 0 {
		panic("message: NewPathOverlayMessage with empty path")
	}
	rest := make([]NodeID, len(path)-1)
	copy(rest, path[1:])
	return &PathOverlayMessage{
		OverlayMessage: OverlayMessage{
			QueryNum:    queryNum,
			Destination: path[0],
			Enclosed:    enclosed,
		},
		RemainingPath: rest,
	}
}

// PopHop removes the next hop from RemainingPath and moves it into
// Destination.
func (p *PathOverlayMessage) PopHop() {
	if len(p.RemainingPath) == 0 {
		return
	}
	p.Destination = p.RemainingPath[0]
	p.RemainingPath = p.RemainingPath[1:]
}

// OverlayTransportMessage is the envelope exchanged between gossip peers
// once per round.
type OverlayTransportMessage struct {
	SenderID       NodeID
	SenderRound    int32
	IsFinalMessage bool
	Body           OverlayMessage
}

// AggregationMessage carries one node's combined value up the reduction
// tree toward the utility.
type AggregationMessage struct {
	SenderID        NodeID
	QueryNum        int32
	Value           Record
	NumContributors int32
}

// Equal compares two AggregationMessage values by their payload only
// (value and contributor count), which is how ServerNode's result multiset
// is required to compare entries for voting purposes.
func (m *AggregationMessage) Equal(o *AggregationMessage) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.NumContributors != o.NumContributors {
		return false
	}
	if m.Value == nil || o.Value == nil {
		return m.Value == o.Value
	}
	return m.Value.Equal(o.Value)
}

// VoteKey returns a comparable key for grouping AggregationMessages by
// payload equality in the server's result multiset.
func (m *AggregationMessage) VoteKey() string {
	var enc []byte
	if m.Value != nil {
		enc = m.Value.Encode()
	}
	return fmt.Sprintf("%d:%x", m.NumContributors, enc)
}

// PingMessage is a liveness probe sent to a gossip predecessor, or the
// response to one.
type PingMessage struct {
	SenderID   NodeID
	IsResponse bool
}

// QueryRequest is broadcast by the utility to start a query.
type QueryRequest struct {
	QueryNumber   int32
	SelectOp      Opcode
	FilterOp      Opcode
	AggregateOp   Opcode
	SelectArgs    []byte
	FilterArgs    []byte
	AggregateArgs []byte
}

// SignatureRequest asks the utility to blindly sign Blinded.
type SignatureRequest struct {
	SenderID NodeID
	Blinded  []byte
}

// SignatureResponse carries the utility's blind signature back.
type SignatureResponse struct {
	BlindSignature []byte
}

// MessageType is the outermost wire tag (C10) identifying which of the six
// message kinds follows.
type MessageType uint16

const (
	TypeOverlay MessageType = iota
	TypePing
	TypeAggregation
	TypeQueryRequest
	TypeSignatureRequest
	TypeSignatureResponse
)

func (t MessageType) String() string {
	switch t {
	case TypeOverlay:
		return "Overlay"
	case TypePing:
		return "Ping"
	case TypeAggregation:
		return "Aggregation"
	case TypeQueryRequest:
		return "QueryRequest"
	case TypeSignatureRequest:
		return "SignatureRequest"
	case TypeSignatureResponse:
		return "SignatureResponse"
	default:
		return fmt.Sprintf("MessageType(%d)", uint16(t))
	}
}

func appendInt32(buf []byte, v int32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendInt32(buf, int32(len(b)))
	return append(buf, b...)
}
