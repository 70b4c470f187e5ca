// Package aggregation implements AggregationState (C6): the per-query,
// per-node reduction step of the binary aggregation tree each group forms
// over its own members, rooted at the group member that reports directly
// to the utility.
package aggregation

import (
	"fmt"

	"github.com/dedis/adq/message"
)

// Combiner performs the application-specific reduction over two Records —
// the aggregate operator a query names (sum, count, average-as-sum-and-
// count, ...), supplied by the data source collaborator (meterdata, or a
// test fake).
type Combiner interface {
	Combine(a, b message.Record) message.Record
}

// State is AggregationState (C6), scoped to one node's participation in
// one query's aggregation tree.
type State struct {
	self     message.NodeID
	parent   message.NodeID
	combiner Combiner

	pending map[message.NodeID]bool

	value           message.Record
	numContributors int32
}

// New constructs an AggregationState for a node whose tree parent is
// parent (message.UtilityID if this node is its group's root) and whose
// tree children are children, minus any already known to have failed —
// Initialize's children_needed computation.
func New(self, parent message.NodeID, children []message.NodeID, combiner Combiner) *State {
	s := &State{self: self, parent: parent, combiner: combiner, pending: make(map[message.NodeID]bool)}
	for _, c := range children {
		s.pending[c] = true
	}
	return s
}

// HandleMessage merges one child's AggregationMessage into this node's
// running value, and marks that child as no longer pending.
func (s *State) HandleMessage(m *message.AggregationMessage) error {
	if !s.pending[m.SenderID] {
		return fmt.Errorf("aggregation: unexpected or duplicate message from child %d", m.SenderID)
	}
	delete(s.pending, m.SenderID)
	s.merge(m.Value, m.NumContributors)
	return nil
}

func (s *State) merge(value message.Record, contributors int32) {
	if value == nil {
		s.numContributors += contributors
		return
	}
	if s.value == nil {
		s.value = value
	} else {
		s.value = s.combiner.Combine(s.value, value)
	}
	s.numContributors += contributors
}

// DoneReceivingFromChildren reports whether every expected child has
// either reported in or been dropped from the pending set by the caller
// (via DropChild, once a round timeout or failure declares it gone).
func (s *State) DoneReceivingFromChildren() bool {
	return len(s.pending) == 0
}

// DropChild removes a child from the pending set without merging a value
// for it, for use when that child has been declared failed for this
// round and will never send an AggregationMessage.
func (s *State) DropChild(id message.NodeID) {
	delete(s.pending, id)
}

// Parent returns the node this node's AggregationMessage must be sent to.
func (s *State) Parent() message.NodeID { return s.parent }

// ComputeAndSend folds this node's own accepted contributions (the
// agreement phase's output for the contributions this node is a proxy
// for) into the value already merged from children, and returns the
// AggregationMessage to forward to Parent. A node with nothing of its own
// and no contributing children still returns a message carrying
// NumContributors == 0 and a nil Value, rather than staying silent — the
// parent needs that explicit zero to know this subtree is done, not
// merely unheard from.
func (s *State) ComputeAndSend(accepted []*message.ValueContribution) *message.AggregationMessage {
	for _, c := range accepted {
		s.merge(c.Tuple.Value, 1)
	}
	return &message.AggregationMessage{
		SenderID:        s.self,
		Value:           s.value,
		NumContributors: s.numContributors,
	}
}
