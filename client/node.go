// Package client implements ClientNode (C8): the dispatch loop wiring
// together one node's Messenger, timer.Wheel and ProtocolEngine into the
// single-goroutine reactor the rest of this module assumes owns all
// node-local state.
package client

import (
	"time"

	"golang.org/x/net/context"

	"github.com/dedis/adq/message"
	"github.com/dedis/adq/network"
	"github.com/dedis/adq/protocol"
	"github.com/dedis/adq/timer"
	"github.com/dedis/onet/log"
)

// DataSource applies a query's select and filter operators against this
// node's local data, returning the single Record this node will
// contribute, or ok == false if nothing of this node's data passes the
// filter and it has nothing to contribute to this query.
type DataSource interface {
	SelectAndFilter(req *message.QueryRequest) (value message.Record, ok bool, err error)
}

// Node is ClientNode (C8).
type Node struct {
	self   message.NodeID
	engine *protocol.Engine
	net    *network.Messenger
	timers *timer.Wheel
	data   DataSource

	roundPeriod time.Duration
	roundHandle timer.Handle

	receivedThisRound bool
	sentThisRound     bool
}

// roundTimerData tags the Fired value Node's own round clock delivers,
// distinguishing it from any other timer.Wheel user sharing the same
// Wheel in tests.
type roundTimerData struct{}

// New constructs a ClientNode around an already-wired ProtocolEngine.
func New(self message.NodeID, engine *protocol.Engine, net *network.Messenger, timers *timer.Wheel, data DataSource, roundPeriod time.Duration) *Node {
	return &Node{self: self, engine: engine, net: net, timers: timers, data: data, roundPeriod: roundPeriod}
}

// Run drains Messenger.In and timer.Wheel.C until ctx is cancelled. It is
// the only goroutine ever permitted to call into n.engine.
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
			n.onTimer(ctx, f)
		}
	}
}

func (n *Node) dispatch(ctx context.Context, in network.Inbound) {
	switch in.Type {
	case message.TypeQueryRequest:
		n.onQueryRequest(ctx, in.Payload.(*message.QueryRequest))
	case message.TypeSignatureResponse:
		if err := n.engine.OnSignatureResponse(in.Payload.(*message.SignatureResponse)); err != nil {
			log.Error("client:", n.self, err)
		}
	case message.TypeOverlay:
		n.receivedThisRound = true
		if n.engine.HandleOverlayMessage(ctx, in.From, in.Payload.(*message.OverlayTransportMessage)) {
			// The predecessor's is_final_message arrived before our own
			// round timer did: the round already ended inside the engine,
			// so send our own batch for the new round and re-arm rather
			// than wait out the rest of the old round's timeout.
			if err := n.engine.SendOverlayMessageBatch(ctx); err != nil {
				log.Error("client:", n.self, err)
			}
			if n.engine.Phase() != protocol.Idle {
				n.armRoundClock()
			}
		}
	case message.TypePing:
		if err := n.engine.HandlePingMessage(ctx, in.From, in.Payload.(*message.PingMessage)); err != nil {
			log.Lvl2("client:", n.self, err)
		}
	case message.TypeAggregation:
		n.engine.HandleAggregationMessage(ctx, in.Payload.(*message.AggregationMessage))
	default:
		log.Lvl2("client:", n.self, "dropping unexpected message type", in.Type)
	}
}

func (n *Node) onQueryRequest(ctx context.Context, qr *message.QueryRequest) {
	value, ok, err := n.data.SelectAndFilter(qr)
	if err != nil {
		log.Error("client:", n.self, "select/filter:", err)
		return
	}
	if !ok {
		log.Lvl3("client:", n.self, "has nothing to contribute to query", qr.QueryNumber)
		return
	}
	if err := n.engine.StartQuery(ctx, qr, value); err != nil {
		log.Error("client:", n.self, "start_query:", err)
		return
	}
	n.armRoundClock()
}

func (n *Node) armRoundClock() {
	n.receivedThisRound = false
	n.sentThisRound = false
	n.roundHandle = n.timers.Register(n.roundPeriod, roundTimerData{})
}

// onTimer drives a round's wall-clock fallback: a round usually ends when
// HandleOverlayMessage sees the predecessor's is_final_message, but if
// nothing arrives by the deadline this re-probes the predecessor once and
// only advances the round on the following timeout, matching the engine's
// one-re-probe-before-abandoning policy.
func (n *Node) onTimer(ctx context.Context, f timer.Fired) {
	if _, ok := f.Data.(roundTimerData); !ok {
		return
	}
	if f.Handle != n.roundHandle {
		return // a stale timer from a round we already advanced past.
	}
	advance := true
	if !n.receivedThisRound {
		var err error
		advance, err = n.engine.HandleRoundTimeout(ctx)
		if err != nil {
			log.Lvl2("client:", n.self, err)
		}
	}
	if !n.sentThisRound {
		n.sentThisRound = true
		if err := n.engine.SendOverlayMessageBatch(ctx); err != nil {
			log.Error("client:", n.self, err)
		}
	}
	if !advance {
		n.roundHandle = n.timers.Register(n.roundPeriod, roundTimerData{})
		return
	}
	n.engine.EndOverlayRound()
	if n.engine.Phase() != protocol.Idle {
		n.armRoundClock()
	}
}
