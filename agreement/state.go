// Package agreement implements AgreementState (C5): the Crusader
// (two-phase Byzantine) Agreement sub-protocol that lets one aggregation
// group's proxies converge on a consistent accepted set of contributions
// despite equivocating peers.
package agreement

import (
	"fmt"

	"github.com/dedis/adq/crypto"
	"github.com/dedis/adq/message"
)

// State is AgreementState (C5), scoped to one query. It is owned
// exclusively by one ProtocolEngine and is not safe for concurrent use.
type State struct {
	crypto *crypto.Engine

	// logN is ceil(log2(N)), the threshold parameter both acceptance
	// rules in §3/§4.5 are phrased in terms of.
	logN int

	signed map[string]*message.SignedValue
	order  []string

	phase1Finished bool
}

// New constructs an empty AgreementState for one query round, given the
// cluster's log2(N) threshold.
func New(engine *crypto.Engine, logN int) *State {
	return &State{crypto: engine, logN: logN, signed: make(map[string]*message.SignedValue)}
}

// requiredPhase1 is the number of distinct verifying signatures a
// SignedValue needs to be valid-for-accept: ceil(log2 N) + 1.
func (s *State) requiredPhase1() int { return s.logN + 1 }

// Seed inserts this node's own signature over contribution as the first
// entry of its accumulating SignedValue — the step the ProtocolEngine
// performs for every value it received during SHUFFLE when it transitions
// into AGREEMENT, matching the reference implementation signing its own
// shuffled values before the first phase-1 message is ever sent.
func (s *State) Seed(contribution *message.ValueContribution, signer message.NodeID, sig message.Signature) {
	key := contribution.Key()
	sv, ok := s.signed[key]
	if !ok {
		sv = message.NewSignedValue(contribution)
		s.signed[key] = sv
		s.order = append(s.order, key)
	}
	sv.Signatures[signer] = sig
}

// HandlePhase1 processes an incoming phase-1 OverlayMessage: a SignedValue
// carrying one proxy's signature over a shuffled contribution. An
// unverifiable signature causes the whole message to be rejected; a
// verifying one is merged into the locally accumulating SignedValue for
// that contribution.
func (s *State) HandlePhase1(sv *message.SignedValue) error {
	if sv == nil || sv.Contribution == nil {
		return fmt.Errorf("agreement: phase-1 message missing contribution")
	}
	for signer, sig := range sv.Signatures {
		if !s.crypto.VerifyContribution(sv.Contribution, sig, signer) {
			return fmt.Errorf("agreement: phase-1 signature from %d does not verify", signer)
		}
	}
	key := sv.Contribution.Key()
	existing, ok := s.signed[key]
	if !ok {
		existing = message.NewSignedValue(sv.Contribution)
		s.signed[key] = existing
		s.order = append(s.order, key)
	}
	existing.Merge(sv.Signatures)
	return nil
}

// HandlePhase2 processes an incoming phase-2 OverlayMessage: an
// AgreementValue wrapping a SignedValue some other proxy believes is
// already valid-for-accept. The outer accepter signature must verify;
// then every inner signature that fails to verify is stripped, and the
// message is dropped unless at least logN of the remaining inner
// signatures verify, excluding the accepter's own entry in that inner map.
func (s *State) HandlePhase2(av *message.AgreementValue) error {
	if av == nil || av.SignedValue.Contribution == nil {
		return fmt.Errorf("agreement: phase-2 message missing contribution")
	}
	if !s.crypto.VerifyAgreement(av) {
		return fmt.Errorf("agreement: phase-2 accepter signature from %d does not verify", av.AccepterID)
	}

	valid := 0
	pruned := make(map[message.NodeID]message.Signature)
	for signer, sig := range av.SignedValue.Signatures {
		if !s.crypto.VerifyContribution(av.SignedValue.Contribution, sig, signer) {
			continue
		}
		pruned[signer] = sig
		if signer != av.AccepterID {
			valid++
		}
	}
	if valid < s.logN {
		return fmt.Errorf("agreement: phase-2 message has only %d valid signatures, need %d", valid, s.logN)
	}

	key := av.SignedValue.Contribution.Key()
	existing, ok := s.signed[key]
	if !ok {
		existing = message.NewSignedValue(av.SignedValue.Contribution)
		s.signed[key] = existing
		s.order = append(s.order, key)
	}
	existing.Merge(pruned)
	return nil
}

// Outgoing is one message FinishPhase1 queues: a freshly
// AgreementValue-wrapped SignedValue destined for one other proxy in the
// contribution's proxy set.
type Outgoing struct {
	Destination message.NodeID
	Body        *message.AgreementValue
}

// FinishPhase1 enumerates every SignedValue that has reached
// valid-for-accept (>= logN+1 verifying signatures), wraps each in an
// AgreementValue signed by this node, and returns one Outgoing entry per
// (contribution, other proxy in its proxy set) pair — the phase-2 messages
// the ProtocolEngine must route and encrypt.
func (s *State) FinishPhase1(self message.NodeID) ([]Outgoing, error) {
	s.phase1Finished = true
	var out []Outgoing
	for _, key := range s.order {
		sv := s.signed[key]
		if len(distinctVerified(sv)) < s.requiredPhase1() {
			continue
		}
		accepterSig, err := s.crypto.SignAgreement(sv)
		if err != nil {
			return nil, fmt.Errorf("agreement: finish_phase_1: %w", err)
		}
		av := &message.AgreementValue{
			SignedValue:       *sv.Clone(),
			AccepterID:        self,
			AccepterSignature: accepterSig,
		}
		for _, dest := range sv.Contribution.Tuple.Proxies {
			if dest == self {
				continue
			}
			out = append(out, Outgoing{Destination: dest, Body: av})
		}
	}
	return out, nil
}

// PhaseOneFinished reports whether FinishPhase1 has already run for this
// query's AGREEMENT phase.
func (s *State) PhaseOneFinished() bool { return s.phase1Finished }

// FinishPhase2 returns the contributions whose accumulated SignedValue
// still holds at least logN+1 signatures — the accepted set for this
// proxy group.
func (s *State) FinishPhase2() []*message.ValueContribution {
	var accepted []*message.ValueContribution
	for _, key := range s.order {
		sv := s.signed[key]
		if len(distinctVerified(sv)) >= s.requiredPhase1() {
			accepted = append(accepted, sv.Contribution)
		}
	}
	return accepted
}

func distinctVerified(sv *message.SignedValue) map[message.NodeID]message.Signature {
	return sv.Signatures
}
