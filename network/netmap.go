package network

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
)

// Edge is an undirected link between two nodes, A < B.
type Edge struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NetworkMap aggregates the topology gossip of every node into a
// connectivity graph.
//
// Each reporter's newest statement about each target is kept. Two nodes are
// linked only while both report a connection to each other, so a one-sided
// claim never shows up as an edge.
type NetworkMap struct {
	mu       sync.RWMutex
	reported map[string]map[string]Message
	complete map[string]map[string]struct{}

	rejected atomic.Uint64
}

// NewNetworkMap creates an empty map.
func NewNetworkMap() *NetworkMap {
	return &NetworkMap{
		reported: make(map[string]map[string]Message),
		complete: make(map[string]map[string]struct{}),
	}
}

// HandleEvents folds a batch of topology messages into the map. Invalid
// messages are counted and skipped.
func (m *NetworkMap) HandleEvents(msgs ...Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range msgs {
		target, ok := topologyTarget(msg)
		if !ok {
			m.rejected.Add(1)
			continue
		}

		byTarget, ok := m.reported[msg.Sender]
		if !ok {
			byTarget = make(map[string]Message)
			m.reported[msg.Sender] = byTarget
		}

		if prev, ok := byTarget[target]; ok && prev.Sequence >= msg.Sequence {
			continue
		}
		byTarget[target] = msg
	}

	m.aggregate()
}

// HandleRaw folds a JSON array of topology messages into the map. Elements
// that fail to decode are counted and skipped like invalid messages; a
// payload that is not an array is counted once and reported as false.
func (m *NetworkMap) HandleRaw(payload json.RawMessage) bool {
	var elems []json.RawMessage
	if err := json.Unmarshal(payload, &elems); err != nil {
		m.rejected.Add(1)
		return false
	}

	msgs := make([]Message, 0, len(elems))
	for _, elem := range elems {
		var msg Message
		if err := json.Unmarshal(elem, &msg); err != nil {
			m.rejected.Add(1)
			continue
		}
		msgs = append(msgs, msg)
	}

	m.HandleEvents(msgs...)
	return true
}

// topologyTarget returns the node a valid topology message talks about.
func topologyTarget(msg Message) (string, bool) {
	if msg.Validate() != nil {
		return "", false
	}
	if msg.Type != TypeConnect && msg.Type != TypeDisconnect {
		return "", false
	}

	var target string
	if err := json.Unmarshal(msg.Data, &target); err != nil {
		return "", false
	}
	if !ValidID(target) {
		return "", false
	}
	return target, true
}

func (m *NetworkMap) aggregate() {
	complete := make(map[string]map[string]struct{})
	link := func(a, b string) {
		peers, ok := complete[a]
		if !ok {
			peers = make(map[string]struct{})
			complete[a] = peers
		}
		peers[b] = struct{}{}
	}

	for reporter, byTarget := range m.reported {
		for target, msg := range byTarget {
			if msg.Type != TypeConnect {
				continue
			}
			back, ok := m.reported[target][reporter]
			if !ok || back.Type != TypeConnect {
				continue
			}
			link(reporter, target)
			link(target, reporter)
		}
	}

	m.complete = complete
}

// NewestEvents returns the newest statement of every reporter about every
// target, ordered by reporter then target.
func (m *NetworkMap) NewestEvents() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reporters := make([]string, 0, len(m.reported))
	for reporter := range m.reported {
		reporters = append(reporters, reporter)
	}
	sort.Strings(reporters)

	var events []Message
	for _, reporter := range reporters {
		byTarget := m.reported[reporter]
		targets := make([]string, 0, len(byTarget))
		for target := range byTarget {
			targets = append(targets, target)
		}
		sort.Strings(targets)

		for _, target := range targets {
			events = append(events, byTarget[target])
		}
	}
	return events
}

// Adjacency returns a copy of the graph, neighbours sorted.
func (m *NetworkMap) Adjacency() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	adjacency := make(map[string][]string, len(m.complete))
	for node, peers := range m.complete {
		list := make([]string, 0, len(peers))
		for peer := range peers {
			list = append(list, peer)
		}
		sort.Strings(list)
		adjacency[node] = list
	}
	return adjacency
}

// Edges returns every link once, sorted.
func (m *NetworkMap) Edges() []Edge {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var edges []Edge
	for node, peers := range m.complete {
		for peer := range peers {
			if node < peer {
				edges = append(edges, Edge{A: node, B: peer})
			}
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})
	return edges
}

// Nodes returns the number of nodes with at least one link.
func (m *NetworkMap) Nodes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.complete)
}

// Rejected returns the number of invalid topology messages seen.
func (m *NetworkMap) Rejected() uint64 {
	return m.rejected.Load()
}
