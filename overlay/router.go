// Package overlay implements OverlayRouter (C2): the pure, stateless
// functions over (id, round, N) that define the round-indexed gossip
// permutation, a client's proxy set, node-disjoint routing paths through
// the overlay, and the binary aggregation-tree topology.
//
// The reference C++ implementation this module is grounded on
// (original_source/include/adq/core) calls out to a util::Overlay /
// util::PathFinder pair whose implementation files were not present in
// the retrieval pack — only their call sites, and the exact properties
// they must satisfy (spec §8, properties 3 and 4). The constructions
// below are therefore original, built to satisfy those properties
// exactly; see DESIGN.md for the design rationale.
package overlay

import (
	"fmt"
	"sort"

	"github.com/dedis/adq/message"
)

// Router is OverlayRouter (C2), parameterised once at start-up by the
// cluster size N (required to be prime, see NewRouter) and the aggregation
// group count.
type Router struct {
	n          int
	groupCount int
}

// NewRouter constructs a Router for a cluster of n nodes with the given
// number of aggregation groups (conventionally 2*FT+1, see protocol.Params.FT).
// n must be prime: the round permutation's invertibility depends on it.
func NewRouter(n, groupCount int) (*Router, error) {
	if !isPrime(n) {
		return nil, fmt.Errorf("overlay: cluster size %d is not prime", n)
	}
	if groupCount <= 0 || groupCount > n {
		return nil, fmt.Errorf("overlay: invalid aggregation group count %d for N=%d", groupCount, n)
	}
	return &Router{n: n, groupCount: groupCount}, nil
}

// N returns the cluster size this router was constructed for.
func (r *Router) N() int { return r.n }

func isPrime(n int) bool {
	if n < 2 {
		return false
	}
	for d := 2; d*d <= n; d++ {
		if n%d == 0 {
			return false
		}
	}
	return true
}

// roundCoefficients derives the per-round affine permutation coefficients
// gossip_target(id, round) = (a*id + b) mod N. a ranges over [1, N-1] as
// round advances, and since N is prime every such a is invertible mod N,
// which is why the overlay requires a prime cluster size.
func (r *Router) roundCoefficients(round int) (a, b int) {
	round = ((round % r.n) + r.n) % r.n
	a = 1 + round%(r.n-1)
	b = round % r.n
	if a == 1 && b == 0 {
		// a=1,b=0 is the identity permutation and would gossip every
		// node to itself; nudge the offset so round 0 still moves
		// traffic somewhere.
		b = 1 % r.n
	}
	return a, b
}

func mod(x, n int) int {
	x %= n
	if x < 0 {
		x += n
	}
	return x
}

// modInverse returns a^-1 mod n via the extended Euclidean algorithm,
// which always exists here because n is prime and 0 < a < n.
func modInverse(a, n int) int {
	g, x, _ := extGCD(a, n)
	if g != 1 {
		panic(fmt.Sprintf("overlay: %d has no inverse mod %d", a, n))
	}
	return mod(x, n)
}

func extGCD(a, b int) (g, x, y int) {
	if a == 0 {
		return b, 0, 1
	}
	g, x1, y1 := extGCD(b%a, a)
	return g, y1 - (b/a)*x1, x1
}

// GossipTarget returns the single peer id that node id sends to during
// round. For fixed round it is a bijection on [0, N).
func (r *Router) GossipTarget(id message.NodeID, round int) message.NodeID {
	a, b := r.roundCoefficients(round)
	return message.NodeID(mod(a*int(id)+b, r.n))
}

// GossipPredecessor returns the single peer id that sends to node id
// during round — the inverse of GossipTarget for the same round.
func (r *Router) GossipPredecessor(id message.NodeID, round int) message.NodeID {
	a, b := r.roundCoefficients(round)
	aInv := modInverse(a, r.n)
	return message.NodeID(mod(aInv*(int(id)-b), r.n))
}

// groupOf returns the aggregation group index for id.
func (r *Router) groupOf(id message.NodeID) int {
	return mod(int(id), r.groupCount)
}

// groupMembers returns every node id in [0, N) belonging to group g, in
// ascending order.
func (r *Router) groupMembers(g int) []message.NodeID {
	members := make([]message.NodeID, 0, r.n/r.groupCount+1)
	for id := 0; id < r.n; id++ {
		if mod(id, r.groupCount) == g {
			members = append(members, message.NodeID(id))
		}
	}
	return members
}

// fnv64 is a small non-cryptographic string hash (FNV-1a), sufficient to
// deterministically spread proxy/path choices without needing the
// randomness or key material the cryptographic layer reserves for
// integrity, not routing.
func fnv64(parts ...int) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for _, p := range parts {
		u := uint64(int64(p))
		for i := 0; i < 8; i++ {
			h ^= u & 0xff
			h *= prime
			u >>= 8
		}
	}
	return h
}

// PickProxies deterministically selects id's proxy set: one representative
// per aggregation group, with id itself standing in for its own group.
// The returned sequence is sorted ascending, matching the ValueTuple.Proxies
// ordering requirement in the data model.
func (r *Router) PickProxies(id message.NodeID) []message.NodeID {
	proxies := make([]message.NodeID, 0, r.groupCount)
	myGroup := r.groupOf(id)
	for g := 0; g < r.groupCount; g++ {
		if g == myGroup {
			proxies = append(proxies, id)
			continue
		}
		members := r.groupMembers(g)
		idx := fnv64(int(id), g) % uint64(len(members))
		proxies = append(proxies, members[idx])
	}
	sort.Slice(proxies, func(i, j int) bool { return proxies[i] < proxies[j] })
	return proxies
}

// FindPaths returns one node-disjoint path per destination in dests,
// every path sharing the mandatory first hop GossipTarget(src,
// startingRound), with interior hops (when a destination is further than
// one hop away) chosen so that no two returned paths share an interior
// node.
func (r *Router) FindPaths(src message.NodeID, dests []message.NodeID, startingRound int) [][]message.NodeID {
	firstHop := r.GossipTarget(src, startingRound)
	used := map[message.NodeID]bool{src: true, firstHop: true}
	paths := make([][]message.NodeID, len(dests))

	for i, dest := range dests {
		if dest == firstHop {
			paths[i] = []message.NodeID{firstHop}
			continue
		}
		interior := r.chooseInterior(src, dest, used)
		if interior == dest || interior == src {
			paths[i] = []message.NodeID{firstHop, dest}
		} else {
			used[interior] = true
			paths[i] = []message.NodeID{firstHop, interior, dest}
		}
	}
	return paths
}

// chooseInterior deterministically picks an id, not already present in
// used and not equal to dest, to serve as the sole interior hop of the
// path from src to dest. It hashes at most N candidates, which may repeat,
// and returns dest if none of them qualifies; FindPaths then routes
// through the first hop alone.
func (r *Router) chooseInterior(src, dest message.NodeID, used map[message.NodeID]bool) message.NodeID {
	for attempt := 0; attempt < r.n; attempt++ {
		cand := message.NodeID(int(fnv64(int(src), int(dest), attempt)) % r.n)
		cand = message.NodeID(mod(int(cand), r.n))
		if cand == dest || used[cand] {
			continue
		}
		return cand
	}
	return dest
}

// AggregationParent returns id's parent in its aggregation group's binary
// reduction tree. The group's root (heap index 0) reports to the utility.
func (r *Router) AggregationParent(id message.NodeID) message.NodeID {
	members := r.groupMembers(r.groupOf(id))
	idx := indexOf(members, id)
	if idx == 0 {
		return message.UtilityID
	}
	return members[(idx-1)/2]
}

// AggregationChildren returns id's two children in its aggregation
// group's binary reduction tree. A sentinel id of -1 would be ambiguous
// with the utility id, so a missing child is reported through the
// hasLeft/hasRight booleans instead.
func (r *Router) AggregationChildren(id message.NodeID) (left, right message.NodeID, hasLeft, hasRight bool) {
	members := r.groupMembers(r.groupOf(id))
	idx := indexOf(members, id)
	li, ri := 2*idx+1, 2*idx+2
	if li < len(members) {
		left, hasLeft = members[li], true
	}
	if ri < len(members) {
		right, hasRight = members[ri], true
	}
	return
}

func indexOf(members []message.NodeID, id message.NodeID) int {
	for i, m := range members {
		if m == id {
			return i
		}
	}
	return -1
}
