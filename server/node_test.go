package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	adqcrypto "github.com/dedis/adq/crypto"
	"github.com/dedis/adq/message"
	"github.com/dedis/adq/network"
	"github.com/dedis/adq/timer"
)

type intRecord int32

func (r intRecord) Equal(o message.Record) bool {
	v, ok := o.(intRecord)
	return ok && v == r
}

func (r intRecord) Encode() []byte { return []byte{byte(r)} }

type intCodec struct{}

func (intCodec) DecodeRecord(b []byte) (message.Record, error) { return intRecord(b[0]), nil }

type recordingStore struct {
	saved []Result
}

func (s *recordingStore) Save(r Result) error {
	s.saved = append(s.saved, r)
	return nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func waitInbound(t *testing.T, ch <-chan network.Inbound) network.Inbound {
	t.Helper()
	select {
	case in := <-ch:
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
		return network.Inbound{}
	}
}

// harness wires a ServerNode around a real Messenger listening on loopback
// plus one client-side Messenger per client id, so HandleSignatureRequest
// and StartQuery's broadcasts can be observed arriving over the wire.
type harness struct {
	node     *Node
	net      *network.Messenger
	clients  map[message.NodeID]*network.Messenger
	store    *recordingStore
	completed []Result
}

func buildHarness(t *testing.T, clientIDs []message.NodeID, ft, groupCount int, resultTimeout time.Duration) *harness {
	t.Helper()
	ctx := context.Background()

	utilPriv, err := adqcrypto.GenerateKeyPair()
	require.NoError(t, err)

	addrs := make(map[message.NodeID]string, len(clientIDs)+1)
	utilAddr := freeAddr(t)
	for _, id := range clientIDs {
		addrs[id] = freeAddr(t)
	}

	utilNet := network.New(message.UtilityID, intCodec{}, addrs, 32)
	require.NoError(t, utilNet.Listen(ctx, utilAddr))

	clients := make(map[message.NodeID]*network.Messenger, len(clientIDs))
	for _, id := range clientIDs {
		m := network.New(id, intCodec{}, map[message.NodeID]string{message.UtilityID: utilAddr}, 32)
		require.NoError(t, m.Listen(ctx, addrs[id]))
		clients[id] = m
	}

	crypto := adqcrypto.New(&adqcrypto.KeySet{Self: message.UtilityID, Private: utilPriv}, intCodec{})
	store := &recordingStore{}
	h := &harness{net: utilNet, clients: clients, store: store}
	h.node = New(crypto, utilNet, timer.New(8), store, clientIDs, ft, groupCount, resultTimeout, func(r Result) {
		h.completed = append(h.completed, r)
	})
	return h
}

func (h *harness) close() {
	h.net.Close()
	for _, m := range h.clients {
		m.Close()
	}
}

func aggMsg(queryNum int32, sender message.NodeID, value message.Record, contributors int32) *message.AggregationMessage {
	return &message.AggregationMessage{SenderID: sender, QueryNum: queryNum, Value: value, NumContributors: contributors}
}

func TestStartQueryBroadcastsToEveryClient(t *testing.T) {
	h := buildHarness(t, []message.NodeID{0, 1}, 0, 2, time.Second)
	defer h.close()
	ctx := context.Background()

	require.NoError(t, h.node.StartQuery(ctx, &message.QueryRequest{QueryNumber: 5}))

	for _, id := range []message.NodeID{0, 1} {
		in := waitInbound(t, h.clients[id].In)
		require.Equal(t, message.TypeQueryRequest, in.Type)
		assert.Equal(t, int32(5), in.Payload.(*message.QueryRequest).QueryNumber)
	}
}

func TestHandleSignatureRequestSignsOnce(t *testing.T) {
	h := buildHarness(t, []message.NodeID{0}, 0, 1, time.Second)
	defer h.close()
	ctx := context.Background()
	require.NoError(t, h.node.StartQuery(ctx, &message.QueryRequest{QueryNumber: 1}))
	waitInbound(t, h.clients[0].In)

	require.NoError(t, h.node.HandleSignatureRequest(ctx, 0, &message.SignatureRequest{SenderID: 0, Blinded: []byte{1, 2, 3}}))
	resp := waitInbound(t, h.clients[0].In)
	assert.Equal(t, message.TypeSignatureResponse, resp.Type)

	err := h.node.HandleSignatureRequest(ctx, 0, &message.SignatureRequest{SenderID: 0, Blinded: []byte{1, 2, 3}})
	assert.Error(t, err)
}

func TestHandleAggregationMessageEndsQueryOnThreshold(t *testing.T) {
	h := buildHarness(t, []message.NodeID{0, 1, 2}, 1, 3, time.Second)
	defer h.close()
	ctx := context.Background()
	require.NoError(t, h.node.StartQuery(ctx, &message.QueryRequest{QueryNumber: 1}))
	for _, id := range []message.NodeID{0, 1, 2} {
		waitInbound(t, h.clients[id].In)
	}

	h.node.HandleAggregationMessage(ctx, aggMsg(1, 10, intRecord(7), 3))
	assert.Empty(t, h.completed)

	h.node.HandleAggregationMessage(ctx, aggMsg(1, 11, intRecord(7), 3))
	require.Len(t, h.completed, 1)
	assert.False(t, h.completed[0].QuorumFailed)
	assert.True(t, h.completed[0].Value.Equal(intRecord(7)))
	assert.Equal(t, int32(3), h.completed[0].NumContributors)
}

func TestHandleAggregationMessageQuorumFailsWhenNoValueWins(t *testing.T) {
	h := buildHarness(t, []message.NodeID{0, 1, 2}, 1, 3, time.Second)
	defer h.close()
	ctx := context.Background()
	require.NoError(t, h.node.StartQuery(ctx, &message.QueryRequest{QueryNumber: 1}))
	for _, id := range []message.NodeID{0, 1, 2} {
		waitInbound(t, h.clients[id].In)
	}

	h.node.HandleAggregationMessage(ctx, aggMsg(1, 10, intRecord(1), 1))
	h.node.HandleAggregationMessage(ctx, aggMsg(1, 11, intRecord(2), 1))
	assert.Empty(t, h.completed)
	h.node.HandleAggregationMessage(ctx, aggMsg(1, 12, intRecord(3), 1))

	require.Len(t, h.completed, 1)
	assert.True(t, h.completed[0].QuorumFailed)
}

func TestHandleAggregationMessageIgnoredAfterQueryFinished(t *testing.T) {
	h := buildHarness(t, []message.NodeID{0, 1}, 0, 2, time.Second)
	defer h.close()
	ctx := context.Background()
	require.NoError(t, h.node.StartQuery(ctx, &message.QueryRequest{QueryNumber: 1}))
	for _, id := range []message.NodeID{0, 1} {
		waitInbound(t, h.clients[id].In)
	}

	h.node.HandleAggregationMessage(ctx, aggMsg(1, 10, intRecord(1), 1))
	require.Len(t, h.completed, 1)

	h.node.HandleAggregationMessage(ctx, aggMsg(1, 11, intRecord(9), 1))
	assert.Len(t, h.completed, 1)
}

func TestHandleResultTimeoutEndsQueryAsQuorumFailure(t *testing.T) {
	h := buildHarness(t, []message.NodeID{0}, 0, 1, time.Second)
	defer h.close()
	ctx := context.Background()
	require.NoError(t, h.node.StartQuery(ctx, &message.QueryRequest{QueryNumber: 4}))
	waitInbound(t, h.clients[0].In)

	h.node.HandleResultTimeout(ctx, 4)

	require.Len(t, h.completed, 1)
	assert.True(t, h.completed[0].QuorumFailed)
	assert.Equal(t, int32(4), h.completed[0].QueryNumber)
}

func TestStartQueriesBatchesAndRunsNextOnCompletion(t *testing.T) {
	h := buildHarness(t, []message.NodeID{0}, 0, 1, time.Second)
	defer h.close()
	ctx := context.Background()

	require.NoError(t, h.node.StartQueries(ctx, []*message.QueryRequest{
		{QueryNumber: 2},
		{QueryNumber: 1},
	}))

	first := waitInbound(t, h.clients[0].In)
	assert.Equal(t, int32(1), first.Payload.(*message.QueryRequest).QueryNumber)

	h.node.HandleResultTimeout(ctx, 1)
	require.Len(t, h.completed, 1)

	second := waitInbound(t, h.clients[0].In)
	assert.Equal(t, int32(2), second.Payload.(*message.QueryRequest).QueryNumber)
}

func TestDispatchRoutesSignatureRequestAndAggregation(t *testing.T) {
	h := buildHarness(t, []message.NodeID{0}, 0, 1, time.Second)
	defer h.close()
	ctx := context.Background()
	require.NoError(t, h.node.StartQuery(ctx, &message.QueryRequest{QueryNumber: 1}))
	waitInbound(t, h.clients[0].In)

	h.node.dispatch(ctx, network.Inbound{
		Type: message.TypeSignatureRequest, From: 0,
		Payload: &message.SignatureRequest{SenderID: 0, Blinded: []byte{9}},
	})
	waitInbound(t, h.clients[0].In)

	h.node.dispatch(ctx, network.Inbound{
		Type:    message.TypeAggregation,
		Payload: aggMsg(1, 0, intRecord(9), 1),
	})
	require.Len(t, h.completed, 1)
}
