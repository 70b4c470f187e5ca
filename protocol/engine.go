// Package protocol implements ProtocolEngine (C7): the per-node state
// machine driving one query through SETUP, SHUFFLE, AGREEMENT and
// AGGREGATE. It is the component every other node-local package (crypto,
// overlay, agreement, aggregation, network, timer) is assembled under,
// and like each of those it is owned by exactly one goroutine — the
// dispatch loop client.Node and server.Node run over Messenger.In and
// timer.Wheel.C.
package protocol

import (
	"fmt"
	"math/bits"

	"golang.org/x/net/context"

	"github.com/dedis/adq/agreement"
	"github.com/dedis/adq/aggregation"
	"github.com/dedis/adq/crypto"
	"github.com/dedis/adq/message"
	"github.com/dedis/adq/network"
	"github.com/dedis/adq/overlay"
	"github.com/dedis/adq/timer"
	"github.com/dedis/onet/log"
)

// Phase is one of the five states a query's ProtocolEngine passes
// through, IDLE meaning no query is currently running.
type Phase int

const (
	Idle Phase = iota
	Setup
	Shuffle
	Agreement
	Aggregate
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case Setup:
		return "SETUP"
	case Shuffle:
		return "SHUFFLE"
	case Agreement:
		return "AGREEMENT"
	case Aggregate:
		return "AGGREGATE"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Params bundles the cluster-wide constants every round/phase threshold
// in this engine is phrased in terms of: N (cluster size), FT (the number
// of Byzantine failures tolerated) and LogN = ceil(log2 N).
type Params struct {
	N    int
	FT   int
	LogN int
}

// NewParams derives LogN from N and records the configured fault
// tolerance FT (conventionally chosen so that N >= 2*FT+1 groups exist).
func NewParams(n, ft int) Params {
	return Params{N: n, FT: ft, LogN: ceilLog2(n)}
}

func ceilLog2(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// shuffleRounds is the number of SHUFFLE rounds a query runs before every
// proxy is expected to have seen every contribution it is a proxy for, at
// least 2*FT+1 times over (to survive FT dropped/equivocating relays).
func (p Params) shuffleRounds() int32 { return int32(2*p.FT + p.LogN*p.LogN + 1) }

// phase1Rounds is how many AGREEMENT rounds elapse before a node gives up
// waiting for more phase-1 signatures and calls FinishPhase1.
func (p Params) phase1Rounds() int32 { return int32(2*p.FT + p.LogN*p.LogN + 1) }

// agreementRounds is how many AGREEMENT rounds elapse in total before a
// node calls FinishPhase2 and moves to AGGREGATE — long enough for a
// phase-2 message to reach every proxy even through FT compromised hops.
func (p Params) agreementRounds() int32 { return int32(4*p.FT + 2*p.LogN*p.LogN + 2) }

// Combiner is re-exported so callers assembling an Engine do not need to
// import aggregation directly just to supply one.
type Combiner = aggregation.Combiner

// Accepter is handed every fully-agreed contribution once AGGREGATE
// starts consuming it — supplied by the data source collaborator. Whether
// a ValueContribution gossiped during SHUFFLE names this node as one of
// its proxies is checked by the Engine itself, not by the Accepter.
type Accepter interface {
	// Accept is called once per contribution this node's AgreementState
	// ends up holding valid-for-accept, so the data source can fold its
	// Record into whatever running total the application keeps outside
	// the aggregation tree (bookkeeping only; ComputeAndSend folds the
	// same set into the tree value independently).
	Accept(c *message.ValueContribution)
}

// Engine is ProtocolEngine (C7).
type Engine struct {
	self   message.NodeID
	params Params

	crypto   *crypto.Engine
	router   *overlay.Router
	net      *network.Messenger
	timers   *timer.Wheel
	combiner Combiner
	accepter Accepter

	phase                Phase
	queryNum             int32
	overlayRound         int32
	agreementStartRound  int32
	roundTimeout         timer.Handle
	roundTimeoutDuration func() int

	failedIDs map[message.NodeID]bool

	myTuple        *message.ValueTuple
	myContribution *message.ValueContribution

	proxyValues map[string]*message.ValueContribution
	proxyOrder  []string

	agreementState  *agreement.State
	aggState        *aggregation.State
	pendingAccepted []*message.ValueContribution

	waitingMessages  []*message.PathOverlayMessage
	outgoingMessages []*message.PathOverlayMessage

	awaitingPingResponse        bool
	pingResponseFromPredecessor bool

	futureOverlayMessages     []bufferedOverlayMessage
	futureAggregationMessages []*message.AggregationMessage
}

// bufferedOverlayMessage is a future_overlay_messages entry: an overlay
// transport message that arrived for a round this node has not reached
// yet, held for replay once EndOverlayRound catches up to it.
type bufferedOverlayMessage struct {
	from message.NodeID
	in   *message.OverlayTransportMessage
}

// New constructs an idle Engine for node self.
func New(self message.NodeID, params Params, eng *crypto.Engine, router *overlay.Router, net *network.Messenger, timers *timer.Wheel, combiner Combiner, accepter Accepter) *Engine {
	return &Engine{
		self:        self,
		params:      params,
		crypto:      eng,
		router:      router,
		net:         net,
		timers:      timers,
		combiner:    combiner,
		accepter:    accepter,
		phase:       Idle,
		failedIDs:   make(map[message.NodeID]bool),
		proxyValues: make(map[string]*message.ValueContribution),
	}
}

// Phase reports the engine's current phase.
func (e *Engine) Phase() Phase { return e.phase }

// StartQuery begins SETUP for qr: it computes this node's proxy set,
// blinds its ValueTuple, and sends the SignatureRequest to the utility.
func (e *Engine) StartQuery(ctx context.Context, qr *message.QueryRequest, value message.Record) error {
	if e.phase != Idle {
		return fmt.Errorf("protocol: StartQuery called while phase is %v", e.phase)
	}
	e.phase = Setup
	e.queryNum = qr.QueryNumber
	e.overlayRound = 0
	e.awaitingPingResponse = false
	e.pingResponseFromPredecessor = false
	e.futureOverlayMessages = nil
	e.proxyValues = make(map[string]*message.ValueContribution)
	e.proxyOrder = nil

	e.myTuple = &message.ValueTuple{
		QueryNum: qr.QueryNumber,
		Value:    value,
		Proxies:  e.router.PickProxies(e.self),
	}
	blinded, err := e.crypto.Blind(e.myTuple)
	if err != nil {
		return fmt.Errorf("protocol: start_query: %w", err)
	}
	return e.net.Send(ctx, message.UtilityID, message.TypeSignatureRequest, &message.SignatureRequest{
		SenderID: e.self,
		Blinded:  blinded,
	})
}

// OnSignatureResponse unblinds the utility's response, forms this node's
// own ValueContribution, and enters SHUFFLE seeded with that one value.
func (e *Engine) OnSignatureResponse(resp *message.SignatureResponse) error {
	if e.phase != Setup {
		return fmt.Errorf("protocol: signature response received in phase %v", e.phase)
	}
	sig, err := e.crypto.Unblind(e.myTuple, resp.BlindSignature)
	if err != nil {
		return fmt.Errorf("protocol: on_signature_response: %w", err)
	}
	e.myContribution = &message.ValueContribution{Tuple: *e.myTuple, UtilitySignature: sig}
	e.ingestProxyValue(e.myContribution)
	e.phase = Shuffle
	e.overlayRound = 0
	e.awaitingPingResponse = false
	e.pingResponseFromPredecessor = false
	return nil
}

func (e *Engine) ingestProxyValue(c *message.ValueContribution) bool {
	key := c.Key()
	if _, ok := e.proxyValues[key]; ok {
		return false
	}
	e.proxyValues[key] = c
	e.proxyOrder = append(e.proxyOrder, key)
	return true
}

// EndOverlayRound advances the round counter, performs whatever phase
// transition that round's thresholds call for per Params, then replays any
// future_overlay_messages that were buffered for the round(s) reached —
// looping, since a drained message carrying is_final_message advances the
// round again and may itself unblock the round after that.
func (e *Engine) EndOverlayRound() {
	e.advanceRound()
	for e.drainFutureOverlayMessages() {
	}
}

func (e *Engine) advanceRound() {
	e.overlayRound++
	e.awaitingPingResponse = false
	e.pingResponseFromPredecessor = false
	switch e.phase {
	case Shuffle:
		if e.overlayRound >= e.params.shuffleRounds() {
			e.startAgreementPhase()
		}
	case Agreement:
		elapsed := e.overlayRound - e.agreementStartRound
		if !e.agreementState.PhaseOneFinished() && elapsed >= e.params.phase1Rounds() {
			e.finishPhase1()
		} else if e.agreementState.PhaseOneFinished() && elapsed >= e.params.agreementRounds() {
			e.startAggregatePhase()
		}
	}
}

// drainFutureOverlayMessages replays every buffered overlay message whose
// query and round now match this node's current round, and reports
// whether any of them carried is_final_message and so advanced the round
// again — the caller loops in that case, since the new round may unblock
// messages buffered for the round after that.
func (e *Engine) drainFutureOverlayMessages() bool {
	pending := e.futureOverlayMessages
	e.futureOverlayMessages = nil
	advanced := false
	for _, b := range pending {
		if b.in.Body.QueryNum != e.queryNum || b.in.SenderRound != e.overlayRound {
			e.futureOverlayMessages = append(e.futureOverlayMessages, b)
			continue
		}
		delete(e.failedIDs, b.from)
		e.deliverOverlayBody(&b.in.Body)
		if b.in.IsFinalMessage {
			e.advanceRound()
			advanced = true
		}
	}
	return advanced
}

func (e *Engine) startAgreementPhase() {
	e.phase = Agreement
	e.agreementStartRound = e.overlayRound
	e.agreementState = agreement.New(e.crypto, e.params.LogN)

	for _, key := range e.proxyOrder {
		c := e.proxyValues[key]
		sig, err := e.crypto.SignContribution(c)
		if err != nil {
			log.Error("protocol:", e.self, "could not sign own contribution:", err)
			continue
		}
		e.agreementState.Seed(c, e.self, sig)

		for _, dest := range c.Tuple.Proxies {
			if dest == e.self {
				continue
			}
			sv := message.NewSignedValue(c)
			sv.Signatures[e.self] = sig
			e.enqueuePhase1(dest, sv)
		}
	}
}

func (e *Engine) enqueuePhase1(dest message.NodeID, sv *message.SignedValue) {
	path := e.router.FindPaths(e.self, []message.NodeID{dest}, int(e.overlayRound))[0]
	onion, err := e.crypto.BuildOnion(path, e.queryNum, sv)
	if err != nil {
		log.Error("protocol:", e.self, "build_onion (phase 1):", err)
		return
	}
	e.outgoingMessages = append(e.outgoingMessages, &message.PathOverlayMessage{OverlayMessage: *onion})
}

func (e *Engine) finishPhase1() {
	outs, err := e.agreementState.FinishPhase1(e.self)
	if err != nil {
		log.Error("protocol:", e.self, "finish_phase_1:", err)
		return
	}
	for _, o := range outs {
		path := e.router.FindPaths(e.self, []message.NodeID{o.Destination}, int(e.overlayRound))[0]
		onion, err := e.crypto.BuildOnion(path, e.queryNum, o.Body)
		if err != nil {
			log.Error("protocol:", e.self, "build_onion (phase 2):", err)
			continue
		}
		e.outgoingMessages = append(e.outgoingMessages, &message.PathOverlayMessage{OverlayMessage: *onion})
	}
}

func (e *Engine) startAggregatePhase() {
	accepted := e.agreementState.FinishPhase2()
	for _, c := range accepted {
		e.accepter.Accept(c)
	}

	parent := e.router.AggregationParent(e.self)
	left, right, hasLeft, hasRight := e.router.AggregationChildren(e.self)
	var children []message.NodeID
	if hasLeft && !e.failedIDs[left] {
		children = append(children, left)
	}
	if hasRight && !e.failedIDs[right] {
		children = append(children, right)
	}

	e.aggState = aggregation.New(e.self, parent, children, e.combiner)
	e.phase = Aggregate
	e.pendingAccepted = accepted

	for _, m := range e.futureAggregationMessages {
		e.deliverAggregationMessage(m)
	}
	e.futureAggregationMessages = nil

	if e.aggState.DoneReceivingFromChildren() {
		e.sendAggregationMessage(context.Background())
	}
}

func (e *Engine) sendAggregationMessage(ctx context.Context) {
	msg := e.aggState.ComputeAndSend(e.pendingAccepted)
	msg.QueryNum = e.queryNum
	parent := e.aggState.Parent()
	if err := e.net.Send(ctx, parent, message.TypeAggregation, msg); err != nil {
		log.Error("protocol:", e.self, "send aggregation message to", parent, ":", err)
	}
	e.phase = Idle
}

// HandleAggregationMessage merges an incoming AggregationMessage from a
// tree child, buffering it if AGGREGATE has not started yet for this
// node (the child finished its subtree before this node reached the
// AGREEMENT->AGGREGATE transition).
func (e *Engine) HandleAggregationMessage(ctx context.Context, m *message.AggregationMessage) {
	if m.QueryNum != e.queryNum || e.phase != Aggregate {
		e.futureAggregationMessages = append(e.futureAggregationMessages, m)
		return
	}
	e.deliverAggregationMessage(m)
	if e.aggState.DoneReceivingFromChildren() {
		e.sendAggregationMessage(ctx)
	}
}

func (e *Engine) deliverAggregationMessage(m *message.AggregationMessage) {
	if err := e.aggState.HandleMessage(m); err != nil {
		log.Error("protocol:", e.self, "aggregation message:", err)
	}
}

// SendOverlayMessageBatch builds and sends this round's
// OverlayTransportMessages to GossipTarget(self, overlayRound): one for
// every queued message whose next hop is that target, or — if none are
// ready — one Flood-marked dummy so that traffic analysis cannot distinguish a
// node with something to say from one with nothing. The last message
// transmitted is marked IsFinalMessage so the recipient can advance its
// round on receipt instead of waiting out its own round timer.
func (e *Engine) SendOverlayMessageBatch(ctx context.Context) error {
	target := e.router.GossipTarget(e.self, int(e.overlayRound))

	var toSend []*message.OverlayMessage
	var remaining []*message.PathOverlayMessage
	for _, m := range append(e.waitingMessages, e.outgoingMessages...) {
		if m.Destination == target {
			toSend = append(toSend, &m.OverlayMessage)
		} else {
			remaining = append(remaining, m)
		}
	}
	e.waitingMessages = nil
	e.outgoingMessages = remaining

	if len(toSend) == 0 {
		toSend = []*message.OverlayMessage{{QueryNum: e.queryNum, Flood: true, Enclosed: message.BytesBody(nil)}}
	}

	for i, body := range toSend {
		transport := &message.OverlayTransportMessage{
			SenderID:       e.self,
			SenderRound:    e.overlayRound,
			IsFinalMessage: i == len(toSend)-1,
			Body:           *body,
		}
		if err := e.net.Send(ctx, target, message.TypeOverlay, transport); err != nil {
			return fmt.Errorf("protocol: send_overlay_message_batch to %d: %w", target, err)
		}
	}
	return nil
}

// HandleOverlayMessage processes one arrival claiming to be from this
// node's gossip predecessor for the round it names: dummy flood traffic
// is discarded, onion layers are peeled one hop, and the innermost
// payload is dispatched to SHUFFLE or AGREEMENT handling depending on its
// concrete type. A message from anyone other than the predecessor its own
// claimed round implies is dropped; one from a round already passed is
// dropped as stale; one from a round still ahead is buffered in
// future_overlay_messages until EndOverlayRound reaches it.
//
// It reports whether in carried the current round's is_final_message
// marker and so ended the round itself — the caller must then send its
// own batch for the new round and re-arm its round clock rather than wait
// out the wall-clock timeout.
func (e *Engine) HandleOverlayMessage(ctx context.Context, from message.NodeID, in *message.OverlayTransportMessage) bool {
	if from != e.router.GossipPredecessor(e.self, int(in.SenderRound)) {
		log.Lvl2("protocol:", e.self, "dropping overlay message from", from, "not the predecessor for round", in.SenderRound)
		return false
	}
	if in.SenderRound < e.overlayRound {
		return false // stale round, already passed.
	}
	if in.SenderRound > e.overlayRound {
		e.futureOverlayMessages = append(e.futureOverlayMessages, bufferedOverlayMessage{from: from, in: in})
		return false
	}
	return e.deliverCurrentRoundMessage(from, in)
}

// deliverCurrentRoundMessage processes an overlay message already
// verified to be addressed to this node for its current round, and ends
// the round if it carries is_final_message.
func (e *Engine) deliverCurrentRoundMessage(from message.NodeID, in *message.OverlayTransportMessage) bool {
	delete(e.failedIDs, from)
	body := in.Body
	e.deliverOverlayBody(&body)
	if !in.IsFinalMessage {
		return false
	}
	e.EndOverlayRound()
	return true
}

func (e *Engine) deliverOverlayBody(body *message.OverlayMessage) {
	if body.Flood {
		return
	}
	if body.Encrypted {
		if err := e.crypto.EnvelopeDecrypt(body); err != nil {
			log.Lvl2("protocol:", e.self, "could not decrypt overlay layer:", err)
			return
		}
	}
	e.dispatchEnclosed(body)
}

func (e *Engine) dispatchEnclosed(body *message.OverlayMessage) {
	switch v := body.Enclosed.(type) {
	case *message.PathOverlayMessage:
		v.PopHop()
		if v.Destination == e.self && len(v.RemainingPath) == 0 {
			e.dispatchEnclosed(&v.OverlayMessage)
			return
		}
		e.outgoingMessages = append(e.outgoingMessages, v)

	case *message.OverlayMessage:
		// A peeled onion layer: deliver it here if this node is its next
		// hop, otherwise queue it for forwarding.
		if v.Destination == e.self {
			e.deliverOverlayBody(v)
			return
		}
		e.outgoingMessages = append(e.outgoingMessages, &message.PathOverlayMessage{OverlayMessage: *v})

	case *message.ValueContribution:
		if e.phase != Shuffle {
			return
		}
		if !e.crypto.VerifyUtility(&v.Tuple, v.UtilitySignature) {
			log.Lvl2("protocol:", e.self, "dropping contribution with invalid utility signature")
			return
		}
		isProxy := false
		for _, p := range v.Tuple.Proxies {
			if p == e.self {
				isProxy = true
				break
			}
		}
		if !isProxy || !e.ingestProxyValue(v) {
			return
		}
		e.floodToOtherProxies(v)

	case *message.SignedValue:
		if e.phase == Agreement {
			if err := e.agreementState.HandlePhase1(v); err != nil {
				log.Lvl2("protocol:", e.self, "phase-1 message:", err)
			}
		}

	case *message.AgreementValue:
		if e.phase == Agreement {
			if err := e.agreementState.HandlePhase2(v); err != nil {
				log.Lvl2("protocol:", e.self, "phase-2 message:", err)
			}
		}
	}
}

// floodToOtherProxies re-gossips a newly learned contribution to its
// other proxies, continuing the SHUFFLE phase's anonymizing diffusion.
func (e *Engine) floodToOtherProxies(c *message.ValueContribution) {
	var dests []message.NodeID
	for _, p := range c.Tuple.Proxies {
		if p != e.self {
			dests = append(dests, p)
		}
	}
	if len(dests) == 0 {
		return
	}
	paths := e.router.FindPaths(e.self, dests, int(e.overlayRound))
	for _, path := range paths {
		onion, err := e.crypto.BuildOnion(path, e.queryNum, c)
		if err != nil {
			log.Error("protocol:", e.self, "build_onion (shuffle):", err)
			continue
		}
		e.outgoingMessages = append(e.outgoingMessages, &message.PathOverlayMessage{OverlayMessage: *onion})
	}
}

// HandlePingMessage answers a liveness probe from a gossip predecessor
// checking whether this node is still reachable, or records the response
// to one this node sent — setting the ping_response_from_predecessor flag
// HandleRoundTimeout consults when the sender is this node's current
// gossip predecessor.
func (e *Engine) HandlePingMessage(ctx context.Context, from message.NodeID, p *message.PingMessage) error {
	if p.IsResponse {
		delete(e.failedIDs, from)
		if from == e.router.GossipPredecessor(e.self, int(e.overlayRound)) {
			e.pingResponseFromPredecessor = true
		}
		return nil
	}
	return e.net.Send(ctx, from, message.TypePing, &message.PingMessage{SenderID: e.self, IsResponse: true})
}

// HandleRoundTimeout is invoked by the driving loop when no message has
// arrived from this node's gossip predecessor within the round's timeout.
// The first timeout sends one re-probing Ping and tells the caller not to
// advance yet; only a second consecutive timeout advances the round,
// marking the predecessor failed unless a ping response arrived in the
// meantime — the "one re-probe before abandoning" policy.
func (e *Engine) HandleRoundTimeout(ctx context.Context) (advance bool, err error) {
	predecessor := e.router.GossipPredecessor(e.self, int(e.overlayRound))
	if !e.awaitingPingResponse {
		e.awaitingPingResponse = true
		if sendErr := e.net.Send(ctx, predecessor, message.TypePing, &message.PingMessage{SenderID: e.self}); sendErr != nil {
			e.failedIDs[predecessor] = true
			return true, fmt.Errorf("protocol: round timeout, predecessor %d unreachable: %w", predecessor, sendErr)
		}
		return false, nil
	}
	if !e.pingResponseFromPredecessor {
		e.failedIDs[predecessor] = true
	}
	return true, nil
}

// MarkFailed records id as failed for the remainder of this query,
// excluding it from future aggregation-tree child expectations.
func (e *Engine) MarkFailed(id message.NodeID) {
	e.failedIDs[id] = true
	if e.aggState != nil {
		e.aggState.DropChild(id)
	}
}
