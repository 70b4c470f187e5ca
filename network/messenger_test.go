package network

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/dedis/adq/message"
)

type intRecord int32

func (r intRecord) Equal(o message.Record) bool {
	v, ok := o.(intRecord)
	return ok && v == r
}

func (r intRecord) Encode() []byte {
	return []byte{byte(r), byte(r >> 8), byte(r >> 16), byte(r >> 24)}
}

type intCodec struct{}

func (intCodec) DecodeRecord(b []byte) (message.Record, error) {
	v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
	return intRecord(v), nil
}

// freePort picks an address on the loopback interface currently unused,
// good enough to hand to Messenger.Listen in a single-process test binary.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func waitInbound(t *testing.T, ch <-chan Inbound) Inbound {
	t.Helper()
	select {
	case in := <-ch:
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
		return Inbound{}
	}
}

func TestSendDeliversAggregationMessageOverLoopback(t *testing.T) {
	ctx := context.Background()
	addrA := freePort(t)
	addrB := freePort(t)

	a := New(0, intCodec{}, map[message.NodeID]string{1: addrB}, 8)
	b := New(1, intCodec{}, map[message.NodeID]string{0: addrA}, 8)

	require.NoError(t, a.Listen(ctx, addrA))
	require.NoError(t, b.Listen(ctx, addrB))
	defer a.Close()
	defer b.Close()

	msg := &message.AggregationMessage{SenderID: 0, QueryNum: 3, Value: intRecord(42), NumContributors: 2}
	require.NoError(t, a.Send(ctx, 1, message.TypeAggregation, msg))

	in := waitInbound(t, b.In)
	assert.Equal(t, message.TypeAggregation, in.Type)
	assert.Equal(t, message.NodeID(0), in.From)
	got := in.Payload.(*message.AggregationMessage)
	assert.Equal(t, msg.QueryNum, got.QueryNum)
	assert.Equal(t, msg.NumContributors, got.NumContributors)
	assert.True(t, msg.Value.Equal(got.Value))
}

func TestSendReusesExistingConnection(t *testing.T) {
	ctx := context.Background()
	addrA := freePort(t)
	addrB := freePort(t)

	a := New(0, intCodec{}, map[message.NodeID]string{1: addrB}, 8)
	b := New(1, intCodec{}, map[message.NodeID]string{0: addrA}, 8)
	require.NoError(t, a.Listen(ctx, addrA))
	require.NoError(t, b.Listen(ctx, addrB))
	defer a.Close()
	defer b.Close()

	ping := &message.PingMessage{SenderID: 0}
	require.NoError(t, a.Send(ctx, 1, message.TypePing, ping))
	waitInbound(t, b.In)

	a.mu.Lock()
	_, existed := a.conns[1]
	a.mu.Unlock()
	require.True(t, existed)

	require.NoError(t, a.Send(ctx, 1, message.TypePing, ping))
	waitInbound(t, b.In)
}

func TestSendToUnknownPeerFails(t *testing.T) {
	a := New(0, intCodec{}, map[message.NodeID]string{}, 8)
	err := a.Send(context.Background(), 7, message.TypePing, &message.PingMessage{SenderID: 0})
	assert.Error(t, err)
}
