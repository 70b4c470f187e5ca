package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// SizeHeaderBytes and CountHeaderBytes are the width of the two framing
// headers described in the wire format summary: every frame starts with an
// 8-byte total length followed by an 8-byte message count (the utility
// connection omits the count header and always carries exactly one
// message).
const (
	SizeHeaderBytes  = 8
	CountHeaderBytes = 8
	OpcodeBytes      = 4
)

// writer accumulates a little-endian, length-prefixed encoding of one
// message. It never itself returns an error: failures can only happen on
// the read side of this codec, so every Write* method here is a plain
// append and the type exists only to keep call sites terse.
type writer struct {
	buf bytes.Buffer
}

func newWriter() *writer { return &writer{} }

func (w *writer) u16(v uint16)  { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) i32(v int32)   { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) u32(v uint32)  { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *writer) boolean(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}
func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}
func (w *writer) signature(s Signature) { w.buf.Write(s[:]) }
func (w *writer) nodeID(id NodeID)      { w.i32(int32(id)) }
func (w *writer) nodeIDs(ids []NodeID) {
	w.u32(uint32(len(ids)))
	for _, id := range ids {
		w.nodeID(id)
	}
}

// reader is the dual of writer, reading from a bounded byte slice and
// sticking to the first error encountered.
type reader struct {
	r   *bytes.Reader
	err error
}

func newReader(b []byte) *reader { return &reader{r: bytes.NewReader(b)} }

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) u16() uint16 {
	var v uint16
	if r.err == nil {
		r.err = binary.Read(r.r, binary.LittleEndian, &v)
	}
	return v
}

func (r *reader) i32() int32 {
	var v int32
	if r.err == nil {
		r.err = binary.Read(r.r, binary.LittleEndian, &v)
	}
	return v
}

func (r *reader) u32() uint32 {
	var v uint32
	if r.err == nil {
		r.err = binary.Read(r.r, binary.LittleEndian, &v)
	}
	return v
}

func (r *reader) boolean() bool {
	if r.err != nil {
		return false
	}
	b, err := r.r.ReadByte()
	if err != nil {
		r.fail(err)
		return false
	}
	return b != 0
}

func (r *reader) bytesN() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	if n > (1 << 28) {
		r.fail(fmt.Errorf("message: implausible length prefix %d", n))
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		r.fail(err)
		return nil
	}
	return buf
}

func (r *reader) signature() Signature {
	var s Signature
	if r.err != nil {
		return s
	}
	if _, err := io.ReadFull(r.r, s[:]); err != nil {
		r.fail(err)
	}
	return s
}

func (r *reader) nodeID() NodeID { return NodeID(r.i32()) }

func (r *reader) nodeIDs() []NodeID {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	out := make([]NodeID, n)
	for i := range out {
		out[i] = r.nodeID()
	}
	return out
}

func (r *reader) record(codec RecordCodec) Record {
	raw := r.bytesN()
	if r.err != nil || len(raw) == 0 {
		return nil
	}
	rec, err := codec.DecodeRecord(raw)
	if err != nil {
		r.fail(fmt.Errorf("message: decode record: %w", err))
		return nil
	}
	return rec
}

func (w *writer) record(v Record) {
	if v == nil {
		w.bytes(nil)
		return
	}
	w.bytes(v.Encode())
}

// --- ValueTuple / ValueContribution / SignedValue / AgreementValue ---

func (w *writer) valueTuple(t *ValueTuple) {
	w.i32(t.QueryNum)
	w.record(t.Value)
	w.nodeIDs(t.Proxies)
}

func (r *reader) valueTuple(codec RecordCodec) ValueTuple {
	return ValueTuple{
		QueryNum: r.i32(),
		Value:    r.record(codec),
		Proxies:  r.nodeIDs(),
	}
}

func (w *writer) valueContribution(c *ValueContribution) {
	w.valueTuple(&c.Tuple)
	w.signature(c.UtilitySignature)
}

func (r *reader) valueContribution(codec RecordCodec) *ValueContribution {
	return &ValueContribution{
		Tuple:            r.valueTuple(codec),
		UtilitySignature: r.signature(),
	}
}

func (w *writer) signedValue(sv *SignedValue) {
	w.valueContribution(sv.Contribution)
	w.u32(uint32(len(sv.Signatures)))
	for id, sig := range sv.Signatures {
		w.nodeID(id)
		w.signature(sig)
	}
}

func (r *reader) signedValue(codec RecordCodec) *SignedValue {
	sv := NewSignedValue(r.valueContribution(codec))
	n := r.u32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		id := r.nodeID()
		sig := r.signature()
		sv.Signatures[id] = sig
	}
	return sv
}

func (w *writer) agreementValue(a *AgreementValue) {
	w.signedValue(&a.SignedValue)
	w.nodeID(a.AccepterID)
	w.signature(a.AccepterSignature)
}

func (r *reader) agreementValue(codec RecordCodec) *AgreementValue {
	sv := r.signedValue(codec)
	a := &AgreementValue{AccepterID: r.nodeID(), AccepterSignature: r.signature()}
	if sv != nil {
		a.SignedValue = *sv
	}
	return a
}

// --- Body (tagged variant) ---

func (w *writer) body(b Body) {
	if b == nil {
		w.u16(uint16(BodyBytes))
		w.bytes(nil)
		return
	}
	w.u16(uint16(b.BodyType()))
	switch v := b.(type) {
	case *OverlayMessage:
		w.overlayMessage(v)
	case *PathOverlayMessage:
		w.pathOverlayMessage(v)
	case *ValueContribution:
		w.valueContribution(v)
	case *SignedValue:
		w.signedValue(v)
	case *AgreementValue:
		w.agreementValue(v)
	case BytesBody:
		w.bytes(v)
	default:
		panic(fmt.Sprintf("message: unknown body type %T", b))
	}
}

func (r *reader) body(codec RecordCodec) Body {
	t := BodyType(r.u16())
	if r.err != nil {
		return nil
	}
	switch t {
	case BodyOverlay:
		return r.overlayMessage(codec)
	case BodyPathOverlay:
		return r.pathOverlayMessage(codec)
	case BodyValueContribution:
		return r.valueContribution(codec)
	case BodySignedValue:
		return r.signedValue(codec)
	case BodyAgreementValue:
		return r.agreementValue(codec)
	case BodyBytes:
		return BytesBody(r.bytesN())
	default:
		r.fail(fmt.Errorf("message: unknown body type %d", uint16(t)))
		return nil
	}
}

// EncodeBody serialises a single Body value (tag plus payload), used by
// the envelope-encryption layer to obtain the plaintext it seals.
func EncodeBody(b Body) []byte {
	w := newWriter()
	w.body(b)
	return w.buf.Bytes()
}

// DecodeBody is the dual of EncodeBody.
func DecodeBody(raw []byte, codec RecordCodec) (Body, error) {
	r := newReader(raw)
	b := r.body(codec)
	if r.err != nil {
		return nil, fmt.Errorf("message: decode body: %w", r.err)
	}
	return b, nil
}

func (w *writer) overlayMessage(m *OverlayMessage) {
	w.i32(m.QueryNum)
	w.nodeID(m.Destination)
	w.boolean(m.Encrypted)
	w.boolean(m.Flood)
	w.body(m.Enclosed)
}

func (r *reader) overlayMessage(codec RecordCodec) *OverlayMessage {
	m := &OverlayMessage{
		QueryNum:    r.i32(),
		Destination: r.nodeID(),
		Encrypted:   r.boolean(),
		Flood:       r.boolean(),
	}
	m.Enclosed = r.body(codec)
	return m
}

func (w *writer) pathOverlayMessage(m *PathOverlayMessage) {
	w.overlayMessage(&m.OverlayMessage)
	w.nodeIDs(m.RemainingPath)
}

func (r *reader) pathOverlayMessage(codec RecordCodec) *PathOverlayMessage {
	base := r.overlayMessage(codec)
	path := r.nodeIDs()
	p := &PathOverlayMessage{RemainingPath: path}
	if base != nil {
		p.OverlayMessage = *base
	}
	return p
}

// --- top-level messages, tagged by MessageType ---

// EncodeMessage serialises one MessageType-tagged message: the two-byte
// type tag followed by the type-specific payload. It does not include the
// outer frame headers (SizeHeaderBytes/CountHeaderBytes); those are added
// by the transport layer when batching several messages together.
func EncodeMessage(t MessageType, payload interface{}) []byte {
	w := newWriter()
	w.u16(uint16(t))
	switch t {
	case TypeOverlay:
		w.overlayTransportMessage(payload.(*OverlayTransportMessage))
	case TypePing:
		w.pingMessage(payload.(*PingMessage))
	case TypeAggregation:
		w.aggregationMessage(payload.(*AggregationMessage))
	case TypeQueryRequest:
		w.queryRequest(payload.(*QueryRequest))
	case TypeSignatureRequest:
		w.signatureRequest(payload.(*SignatureRequest))
	case TypeSignatureResponse:
		w.signatureResponse(payload.(*SignatureResponse))
	default:
		panic(fmt.Sprintf("message: unknown message type %v", t))
	}
	return w.buf.Bytes()
}

// DecodeMessage reads one MessageType-tagged message from raw (as produced
// by EncodeMessage) and returns its type tag plus the decoded payload.
func DecodeMessage(raw []byte, codec RecordCodec) (MessageType, interface{}, error) {
	r := newReader(raw)
	t := MessageType(r.u16())
	var out interface{}
	switch t {
	case TypeOverlay:
		out = r.overlayTransportMessage(codec)
	case TypePing:
		out = r.pingMessage()
	case TypeAggregation:
		out = r.aggregationMessage(codec)
	case TypeQueryRequest:
		out = r.queryRequest()
	case TypeSignatureRequest:
		out = r.signatureRequest()
	case TypeSignatureResponse:
		out = r.signatureResponse()
	default:
		return t, nil, fmt.Errorf("message: unknown message type %d", uint16(t))
	}
	if r.err != nil {
		return t, nil, fmt.Errorf("message: decode %v: %w", t, r.err)
	}
	return t, out, nil
}

func (w *writer) overlayTransportMessage(m *OverlayTransportMessage) {
	w.nodeID(m.SenderID)
	w.i32(m.SenderRound)
	w.boolean(m.IsFinalMessage)
	w.overlayMessage(&m.Body)
}

func (r *reader) overlayTransportMessage(codec RecordCodec) *OverlayTransportMessage {
	m := &OverlayTransportMessage{
		SenderID:       r.nodeID(),
		SenderRound:    r.i32(),
		IsFinalMessage: r.boolean(),
	}
	if body := r.overlayMessage(codec); body != nil {
		m.Body = *body
	}
	return m
}

func (w *writer) pingMessage(m *PingMessage) {
	w.nodeID(m.SenderID)
	w.boolean(m.IsResponse)
}

func (r *reader) pingMessage() *PingMessage {
	return &PingMessage{SenderID: r.nodeID(), IsResponse: r.boolean()}
}

func (w *writer) aggregationMessage(m *AggregationMessage) {
	w.nodeID(m.SenderID)
	w.i32(m.QueryNum)
	w.record(m.Value)
	w.i32(m.NumContributors)
}

func (r *reader) aggregationMessage(codec RecordCodec) *AggregationMessage {
	return &AggregationMessage{
		SenderID:        r.nodeID(),
		QueryNum:        r.i32(),
		Value:           r.record(codec),
		NumContributors: r.i32(),
	}
}

func (w *writer) opcode(op Opcode) { w.u32(uint32(op)) }
func (r *reader) opcode() Opcode   { return Opcode(r.u32()) }

func (w *writer) queryRequest(q *QueryRequest) {
	w.i32(q.QueryNumber)
	w.opcode(q.SelectOp)
	w.opcode(q.FilterOp)
	w.opcode(q.AggregateOp)
	w.bytes(q.SelectArgs)
	w.bytes(q.FilterArgs)
	w.bytes(q.AggregateArgs)
}

func (r *reader) queryRequest() *QueryRequest {
	return &QueryRequest{
		QueryNumber:   r.i32(),
		SelectOp:      r.opcode(),
		FilterOp:      r.opcode(),
		AggregateOp:   r.opcode(),
		SelectArgs:    r.bytesN(),
		FilterArgs:    r.bytesN(),
		AggregateArgs: r.bytesN(),
	}
}

func (w *writer) signatureRequest(s *SignatureRequest) {
	w.nodeID(s.SenderID)
	w.bytes(s.Blinded)
}

func (r *reader) signatureRequest() *SignatureRequest {
	return &SignatureRequest{SenderID: r.nodeID(), Blinded: r.bytesN()}
}

func (w *writer) signatureResponse(s *SignatureResponse) {
	w.bytes(s.BlindSignature)
}

func (r *reader) signatureResponse() *SignatureResponse {
	return &SignatureResponse{BlindSignature: r.bytesN()}
}
