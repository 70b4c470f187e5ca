// Package server implements ServerNode (C9): the utility's side of the
// query lifecycle — broadcasting QueryRequest, blindly signing each
// client's ValueTuple at most once per query, and voting on the
// AggregationMessages the aggregation-group roots eventually report.
package server

import (
	"container/heap"
	"fmt"
	"time"

	"golang.org/x/net/context"

	"github.com/dedis/adq/crypto"
	"github.com/dedis/adq/message"
	"github.com/dedis/adq/network"
	"github.com/dedis/adq/timer"
	"github.com/dedis/onet/log"
)

// Result is the outcome of one query: either a voted value and
// contributor count, or QuorumFailed if no value reached the FT+1
// threshold before every expected group root had reported.
type Result struct {
	QueryNumber     int32
	Value           message.Record
	NumContributors int32
	QuorumFailed    bool
}

// ResultStore persists completed query results, implemented by C13.
type ResultStore interface {
	Save(r Result) error
}

// Node is ServerNode (C9).
type Node struct {
	crypto  *crypto.Engine
	net     *network.Messenger
	timers  *timer.Wheel
	store   ResultStore
	clients []message.NodeID

	ft          int
	groupCount  int
	resultTimeout time.Duration

	queryNum      int32
	queryFinished bool
	signedClients map[message.NodeID]bool

	results    []*message.AggregationMessage
	voteCounts map[string]int
	winners    map[string]*message.AggregationMessage

	timeoutHandle timer.Handle

	pending    queryHeap
	onComplete func(Result)
}

// New constructs an idle ServerNode over the given client roster. ft is
// the number of Byzantine failures tolerated; groupCount (conventionally
// 2*ft+1) is the number of aggregation-group roots this server expects
// one AggregationMessage from per query.
func New(crypto *crypto.Engine, net *network.Messenger, timers *timer.Wheel, store ResultStore, clients []message.NodeID, ft, groupCount int, resultTimeout time.Duration, onComplete func(Result)) *Node {
	return &Node{
		crypto:        crypto,
		net:           net,
		timers:        timers,
		store:         store,
		clients:       clients,
		ft:            ft,
		groupCount:    groupCount,
		resultTimeout: resultTimeout,
		onComplete:    onComplete,
	}
}

// StartQueries enqueues every request in qrs, ordered by query number,
// and begins running the lowest-numbered one immediately if the server
// is currently idle — queries after the first run only once each
// predecessor calls endQuery, since a ServerNode drives exactly one query
// at a time.
func (n *Node) StartQueries(ctx context.Context, qrs []*message.QueryRequest) error {
	for _, qr := range qrs {
		heap.Push(&n.pending, qr)
	}
	if n.signedClients == nil || n.queryFinished {
		return n.startNextQuery(ctx)
	}
	return nil
}

func (n *Node) startNextQuery(ctx context.Context) error {
	if n.pending.Len() == 0 {
		return nil
	}
	qr := heap.Pop(&n.pending).(*message.QueryRequest)
	return n.StartQuery(ctx, qr)
}

// StartQuery broadcasts qr to every client and resets this query's voting
// state.
func (n *Node) StartQuery(ctx context.Context, qr *message.QueryRequest) error {
	n.queryNum = qr.QueryNumber
	n.queryFinished = false
	n.signedClients = make(map[message.NodeID]bool)
	n.results = nil
	n.voteCounts = make(map[string]int)
	n.winners = make(map[string]*message.AggregationMessage)

	for _, c := range n.clients {
		if err := n.net.Send(ctx, c, message.TypeQueryRequest, qr); err != nil {
			log.Lvl2("server: could not reach client", c, "for query", qr.QueryNumber, ":", err)
		}
	}
	n.timeoutHandle = n.timers.Register(n.resultTimeout, n.queryNum)
	return nil
}

// HandleSignatureRequest blindly signs req.Blinded on behalf of the
// current query, unless from has already received a signature for this
// query — the at-most-once-per-client-per-query rule preventing a single
// client from contributing more than one ValueTuple.
func (n *Node) HandleSignatureRequest(ctx context.Context, from message.NodeID, req *message.SignatureRequest) error {
	if n.signedClients[from] {
		return fmt.Errorf("server: client %d already received a signature for query %d", from, n.queryNum)
	}
	sig, err := n.crypto.SignBlinded(req.Blinded)
	if err != nil {
		return fmt.Errorf("server: sign_blinded for %d: %w", from, err)
	}
	n.signedClients[from] = true
	return n.net.Send(ctx, from, message.TypeSignatureResponse, &message.SignatureResponse{BlindSignature: sig})
}

// HandleAggregationMessage records one aggregation-group root's reported
// result, resets the result timeout, and ends the query once a value has
// reached the FT+1 threshold, or every expected root has reported without
// any value reaching it (a quorum failure).
func (n *Node) HandleAggregationMessage(ctx context.Context, m *message.AggregationMessage) {
	if n.queryFinished || m.QueryNum != n.queryNum {
		return
	}
	n.results = append(n.results, m)
	key := m.VoteKey()
	n.voteCounts[key]++
	if _, ok := n.winners[key]; !ok {
		n.winners[key] = m
	}
	n.timers.Reset(&n.timeoutHandle, n.resultTimeout, n.queryNum)

	required := n.ft + 1
	for _, m := range n.results { // first-by-insertion-order tie-break
		if n.voteCounts[m.VoteKey()] >= required {
			n.endQuery(ctx, Result{QueryNumber: n.queryNum, Value: m.Value, NumContributors: m.NumContributors})
			return
		}
	}
	if len(n.results) >= n.groupCount {
		n.endQuery(ctx, Result{QueryNumber: n.queryNum, QuorumFailed: true})
	}
}

// HandleResultTimeout is invoked by the driving loop when no
// AggregationMessage has arrived within resultTimeout; the query ends in
// quorum failure regardless of how many roots have reported so far.
func (n *Node) HandleResultTimeout(ctx context.Context, queryNum int32) {
	if n.queryFinished || queryNum != n.queryNum {
		return
	}
	n.endQuery(ctx, Result{QueryNumber: n.queryNum, QuorumFailed: true})
}

func (n *Node) endQuery(ctx context.Context, r Result) {
	n.queryFinished = true
	n.timers.Cancel(n.timeoutHandle)
	if err := n.store.Save(r); err != nil {
		log.Error("server: saving result for query", r.QueryNumber, ":", err)
	}
	if n.onComplete != nil {
		n.onComplete(r)
	}
	if err := n.startNextQuery(ctx); err != nil {
		log.Error("server: starting next batched query:", err)
	}
}

// Run drains Messenger.In and timer.Wheel.C until ctx is cancelled. It is
// the only goroutine ever permitted to call into this Node's state.
func (n *Node) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-n.net.In:
			if !ok {
				return nil
			}
			n.dispatch(ctx, in)
		case f := <-n.timers.C:
			if qn, ok := f.Data.(int32); ok {
				n.HandleResultTimeout(ctx, qn)
			}
		}
	}
}

func (n *Node) dispatch(ctx context.Context, in network.Inbound) {
	switch in.Type {
	case message.TypeSignatureRequest:
		if err := n.HandleSignatureRequest(ctx, in.From, in.Payload.(*message.SignatureRequest)); err != nil {
			log.Lvl2("server:", err)
		}
	case message.TypeAggregation:
		n.HandleAggregationMessage(ctx, in.Payload.(*message.AggregationMessage))
	default:
		log.Lvl2("server: dropping unexpected message type", in.Type)
	}
}

// queryHeap orders pending QueryRequests by ascending QueryNumber, the
// batching order StartQueries promises.
type queryHeap []*message.QueryRequest

func (h queryHeap) Len() int            { return len(h) }
func (h queryHeap) Less(i, j int) bool  { return h[i].QueryNumber < h[j].QueryNumber }
func (h queryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *queryHeap) Push(x interface{}) { *h = append(*h, x.(*message.QueryRequest)) }
func (h *queryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
