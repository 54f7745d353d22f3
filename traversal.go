package dht

import (
	"go.uber.org/zap"
)

// Alpha is the default number of outstanding queries a traversal keeps in
// flight at once, spec.md §4.4.
const Alpha = 3

// candidateState is one node's position in a traversal's state machine,
// spec.md §4.4.
type candidateState int

const (
	stateInitial candidateState = iota
	stateQueried
	stateReplied
	stateFailed
)

type candidate struct {
	node  NodeEntry
	state candidateState
	token []byte // only set for get_peers replies
}

// TraversalKind distinguishes the four concrete algorithms spec.md §4.4
// names; they share the same find_node/get_peers iteration machinery and
// differ only in which RPC they send and what they do on completion.
type TraversalKind int

const (
	TraversalBootstrap TraversalKind = iota
	TraversalRefresh
	TraversalFindPeers
	TraversalAnnounce
)

// TraversalResult is handed to a traversal's completion callback exactly
// once, per spec.md §5's ordering guarantee.
type TraversalResult struct {
	Target  ID
	Replied []NodeEntry
	Tokens  map[ID][]byte
}

// sender is the subset of the DHT executor a traversal needs: issuing its
// find_node and get_peers RPCs. Kept as an
// interface so traversal.go has no dependency on the concrete DHT type.
type sender interface {
	sendFindNode(ep Endpoint, target ID, cb func(ReplyResult))
	sendGetPeers(ep Endpoint, ih ID, cb func(ReplyResult))
}

// Traversal is the iterative lookup state machine spec.md §4.4 describes:
// an ordered candidate set, bounded outstanding RPCs, closest-first
// expansion, and a completion callback fired exactly once.
type Traversal struct {
	kind    TraversalKind
	target  ID
	alpha   int
	logger  *zap.Logger
	sender  sender

	candidates []*candidate
	outstanding int
	done        bool

	onPeers    func([]Endpoint)
	onComplete func(TraversalResult)
}

// NewTraversal starts a traversal toward target, seeded with the given
// candidate nodes (spec.md §4.4's bootstrap/refresh/find-peers/announce all
// reduce to this with different seeds and RPC kind).
func NewTraversal(kind TraversalKind, target ID, seed []NodeEntry, s sender, logger *zap.Logger, onComplete func(TraversalResult)) *Traversal {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Traversal{
		kind:       kind,
		target:     target,
		alpha:      Alpha,
		logger:     logger,
		sender:     s,
		onComplete: onComplete,
	}
	for _, n := range seed {
		t.merge(n)
	}
	return t
}

// merge inserts n into the candidate set if not already present, keeping
// the set ordered by distance to target. A seed endpoint's ID is not known
// until it first replies (Bootstrap seeds every router with the zero ID),
// so identity for a zero-ID node is keyed on its endpoint instead: otherwise
// every seed after the first would compare equal to it and be dropped.
func (t *Traversal) merge(n NodeEntry) {
	var zero ID
	for _, c := range t.candidates {
		if n.ID != zero {
			if c.node.ID == n.ID {
				return
			}
			continue
		}
		if c.node.ID == zero && c.node.Endpoint.String() == n.Endpoint.String() {
			return
		}
	}
	t.candidates = append(t.candidates, &candidate{node: n, state: stateInitial})
	t.sortCandidates()
	// Cap the candidate set to a small multiple of K so a long-running
	// traversal against a large overlay doesn't grow without bound.
	if max := K * 4; len(t.candidates) > max {
		t.candidates = t.candidates[:max]
	}
}

func (t *Traversal) sortCandidates() {
	for i := 1; i < len(t.candidates); i++ {
		j := i
		for j > 0 && Less(t.target, t.candidates[j].node.ID, t.candidates[j-1].node.ID) {
			t.candidates[j], t.candidates[j-1] = t.candidates[j-1], t.candidates[j]
			j--
		}
	}
}

// Step 1 of spec.md §4.4's loop: select up to alpha unqueried candidates
// closest to target, mark them queried, and send the type-appropriate RPC.
func (t *Traversal) Pump() {
	if t.done {
		return
	}
	for _, c := range t.candidates {
		if t.outstanding >= t.alpha {
			break
		}
		if c.state != stateInitial {
			continue
		}
		c.state = stateQueried
		t.outstanding++
		cur := c
		switch t.kind {
		case TraversalFindPeers, TraversalAnnounce:
			t.sender.sendGetPeers(cur.node.Endpoint, t.target, func(r ReplyResult) { t.onReply(cur, r) })
		default:
			t.sender.sendFindNode(cur.node.Endpoint, t.target, func(r ReplyResult) { t.onReply(cur, r) })
		}
	}
	t.checkDone()
}

// onReply handles steps 2-4 of spec.md §4.4's loop.
func (t *Traversal) onReply(c *candidate, r ReplyResult) {
	if t.done {
		return
	}
	t.outstanding--
	if !r.OK {
		c.state = stateFailed
		t.Pump()
		return
	}
	c.state = stateReplied

	if nodesRaw, ok := r.Reply["nodes"]; ok {
		if s, ok := nodesRaw.(string); ok {
			if nodes, err := DecodeNodes([]byte(s)); err == nil {
				for _, n := range nodes {
					if n.ID == c.node.ID {
						continue // self-promotion guard, spec.md §4.4/processing notes.
					}
					t.merge(NodeEntry{ID: n.ID, Endpoint: n.Endpoint, LastHeard: c.node.LastHeard})
				}
			}
		}
	}
	if nodes2Raw, ok := r.Reply["nodes2"]; ok {
		if s, ok := nodes2Raw.(string); ok {
			if nodes, err := DecodeNodes([]byte(s)); err == nil {
				for _, n := range nodes {
					if n.ID == c.node.ID {
						continue
					}
					t.merge(NodeEntry{ID: n.ID, Endpoint: n.Endpoint})
				}
			}
		}
	}
	if tok, ok := r.Reply["token"].(string); ok {
		c.token = []byte(tok)
	}
	if valuesRaw, ok := r.Reply["values"]; ok {
		if list, ok := valuesRaw.([]any); ok && t.onPeers != nil {
			peers := make([]Endpoint, 0, len(list))
			for _, v := range list {
				if s, ok := v.(string); ok {
					if ep, err := UnpackEndpoint([]byte(s)); err == nil {
						peers = append(peers, ep)
					}
				}
			}
			if len(peers) > 0 {
				t.onPeers(peers)
			}
		}
	}
	t.Pump()
}

// checkDone implements spec.md §4.4 step 5: termination when the K closest
// candidates are all replied/failed and no RPCs remain outstanding.
func (t *Traversal) checkDone() {
	if t.done {
		return
	}
	if t.outstanding > 0 {
		return
	}
	closest := t.candidates
	if len(closest) > K {
		closest = closest[:K]
	}
	for _, c := range closest {
		if c.state == stateInitial || c.state == stateQueried {
			return
		}
	}
	t.done = true

	result := TraversalResult{Target: t.target, Tokens: map[ID][]byte{}}
	for _, c := range closest {
		if c.state == stateReplied {
			result.Replied = append(result.Replied, c.node)
			if c.token != nil {
				result.Tokens[c.node.ID] = c.token
			}
		}
	}
	if t.onComplete != nil {
		t.onComplete(result)
	}
}

// OnPeers sets the values-sink a get_peers traversal forwards to, spec.md
// §4.4's find-peers peers-cb.
func (t *Traversal) OnPeers(cb func([]Endpoint)) {
	t.onPeers = cb
}
