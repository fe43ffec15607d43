// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package discover implements the peer discovery core of the overlay: a
// Kademlia-style node table fed by a signed UDP protocol. The table keeps a
// bounded, freshness-biased view of known peers indexed by XOR distance,
// validates liveness with eviction probes and crawls the network with
// iterative lookups.
package discover

import (
	crand "crypto/rand"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/overmesh/overmesh/p2p/common"
	"github.com/overmesh/overmesh/p2p/netutil"
)

const (
	bucketSize = 16 // Kademlia bucket size
	alpha      = 3  // Kademlia concurrency factor
	maxSteps   = 8  // lookup rounds before a discovery terminates
	nBuckets   = 256

	reqTimeout            = 300 * time.Millisecond
	evictionCheckInterval = 75 * time.Millisecond
	bucketRefresh         = 7200 * time.Millisecond
	discoverRoundTimeout  = 2 * reqTimeout

	copyNodesInterval = 45 * time.Minute
	seedMinTableTime  = 5 * time.Minute
	seedCount         = 30
	seedMaxAge        = 5 * 24 * time.Hour
)

// Relation says how a node became known to the table.
type Relation byte

const (
	// Unknown nodes are pinged and only bucketed once they answer.
	Unknown Relation = iota
	// Known nodes come from the persistent store and are assumed live.
	Known
)

var errNoKey = errors.New("table requires a private key")

// transport is the send side of the UDP protocol, split out so table tests
// can run without a socket.
type transport interface {
	ping(n *common.Node)
	findnode(n *common.Node, target common.NodeID)
	isOpen() bool
}

// bucket is a bounded LRU of table entries at one distance: front is the
// least recently seen node, back the most recently seen.
type bucket struct {
	entries []*NodeEntry
}

// evictionProbe tracks an in-flight liveness ping to a bucket's incumbent,
// keyed in NodeTable.evictions by the incumbent's ID.
type evictionProbe struct {
	replacementID common.NodeID
	startedAt     time.Time
}

// nodeIDTime records a sent FindNode, used to validate Neighbours replies.
type nodeIDTime struct {
	id common.NodeID
	at time.Time
}

// discoverState is one iterative lookup in progress.
type discoverState struct {
	target     common.NodeID
	targetHash common.Hash
	round      int
	tried      map[common.NodeID]bool
}

// NodeTable is the Kademlia-style index of neighbour nodes. The registry in
// allNodes owns every entry; buckets reference entries by distance from the
// local identifier. Four independent locks guard the four state groups and
// none is ever held across network sends, timer arming or event delivery.
type NodeTable struct {
	selfID   common.NodeID
	selfHash common.Hash
	log      log.Logger
	store    common.NodeStore

	udp *udp      // nil when discovery is disabled
	net transport // same object as udp, swappable in tests

	allowLocal bool
	seeds      []*common.Node

	nodesMu      sync.Mutex // guards allNodes, entry endpoints + pending flags, selfEndpoint
	allNodes     map[common.NodeID]*NodeEntry
	selfEndpoint common.Endpoint

	stateMu sync.Mutex // guards buckets
	buckets [nBuckets]bucket

	evictMu   sync.Mutex // guards evictions
	evictions map[common.NodeID]evictionProbe

	findMu          sync.Mutex // guards findNodeTimeout
	findNodeTimeout []nodeIDTime

	eventMu sync.Mutex
	sink    common.EventSink
	events  []common.Event

	evictReq  chan struct{}
	closeReq  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	started   bool
}

// NewNodeTable creates a node table for the given local endpoint. When the
// config disables discovery or conn is nil, no socket is opened and no
// goroutines start; the table stays queryable but empty. The store is
// optional.
func NewNodeTable(conn common.UDPConn, localEndpoint common.Endpoint, store common.NodeStore, cfg common.Config, lg log.Logger) (*NodeTable, error) {
	if cfg.PrivateKey == nil {
		return nil, errNoKey
	}
	id := common.PubkeyID(cfg.PrivateKey.PubKey())
	tab := &NodeTable{
		selfID:       id,
		selfHash:     id.Hash(),
		selfEndpoint: localEndpoint,
		log:          lg,
		store:        store,
		allowLocal:   cfg.AllowLocalEndpoints,
		allNodes:     make(map[common.NodeID]*NodeEntry),
		evictions:    make(map[common.NodeID]evictionProbe),
		evictReq:     make(chan struct{}, 1),
		closeReq:     make(chan struct{}),
		closed:       make(chan struct{}),
	}
	tab.setFallbackNodes(cfg.SeedNodes)
	if cfg.Enabled && conn != nil {
		tab.udp = newUDP(tab, conn, cfg, lg)
		tab.net = tab.udp
	} else {
		lg.Info("Discovery disabled, table stays passive")
	}
	return tab, nil
}

// Start launches the socket reader and the maintenance loop.
func (tab *NodeTable) Start() {
	if tab.udp == nil {
		return
	}
	tab.started = true
	go tab.loop()
	tab.udp.start()
}

// Stop shuts down the socket and cancels all maintenance timers. Pending
// timer callbacks observe the cancellation and return without rescheduling.
func (tab *NodeTable) Stop() {
	tab.closeOnce.Do(func() {
		if tab.udp != nil {
			tab.udp.close()
		}
		close(tab.closeReq)
		if tab.started {
			<-tab.closed
		}
	})
}

// Self returns the local node with the currently learned external endpoint.
func (tab *NodeTable) Self() common.Node {
	tab.nodesMu.Lock()
	defer tab.nodesMu.Unlock()
	return common.Node{ID: tab.selfID, Endpoint: tab.selfEndpoint}
}

// setFallbackNodes filters and deduplicates the configured seed set.
func (tab *NodeTable) setFallbackNodes(nodes []*common.Node) {
	seen := make(map[common.NodeID]bool)
	for _, n := range nodes {
		if err := n.ValidateComplete(); err != nil {
			tab.log.Debug("Bad seed node", "id", n.ID, "addr", n.Endpoint, "err", err)
			continue
		}
		if n.ID == tab.selfID {
			tab.log.Debug("Seed node is ourselves, skipping", "id", n.ID)
			continue
		}
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		tab.seeds = append(tab.seeds, n)
	}
	tab.log.Info("Seed nodes configured", "count", len(tab.seeds))
}

// loadSeedNodes injects stored nodes as known and configured seeds as
// unknown contacts.
func (tab *NodeTable) loadSeedNodes() {
	if tab.store != nil {
		for _, n := range tab.store.QuerySeeds(seedCount, seedMaxAge) {
			tab.log.Debug("Found seed node in database", "id", n.ID, "addr", n.Endpoint)
			tab.AddNode(n, Known)
		}
	}
	for _, n := range tab.seeds {
		tab.AddNode(n, Unknown)
	}
}

// AddNode inserts a node into the registry. Known nodes are bucketed
// immediately; unknown nodes stay pending until their ping round-trip
// completes.
func (tab *NodeTable) AddNode(n *common.Node, rel Relation) {
	if n.ID == tab.selfID {
		return
	}
	if rel == Known {
		tab.nodesMu.Lock()
		e := tab.allNodes[n.ID]
		if e == nil {
			e = newNodeEntry(tab.selfHash, n)
			tab.allNodes[n.ID] = e
		}
		e.pending = false
		tab.nodesMu.Unlock()
		tab.noteActiveNode(n.ID, n.Endpoint)
		return
	}
	if n.Incomplete() {
		return
	}
	tab.nodesMu.Lock()
	if _, ok := tab.allNodes[n.ID]; ok {
		tab.nodesMu.Unlock()
		return
	}
	tab.allNodes[n.ID] = newNodeEntry(tab.selfHash, n)
	tab.nodesMu.Unlock()

	tab.log.Debug("Add node pending", "id", n.ID, "addr", n.Endpoint)
	if tab.net != nil && tab.net.isOpen() {
		tab.net.ping(n)
	}
}

// Nodes returns the IDs of all registered nodes, bucketed or pending.
func (tab *NodeTable) Nodes() []common.NodeID {
	tab.nodesMu.Lock()
	defer tab.nodesMu.Unlock()
	ids := make([]common.NodeID, 0, len(tab.allNodes))
	for id := range tab.allNodes {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a copy of every currently bucketed entry.
func (tab *NodeTable) Snapshot() []NodeEntry {
	tab.stateMu.Lock()
	var entries []*NodeEntry
	for i := range tab.buckets {
		for _, e := range tab.buckets[i].entries {
			if e.isLive() {
				entries = append(entries, e)
			}
		}
	}
	tab.stateMu.Unlock()

	// Endpoints are guarded by the nodes lock, copy the values there.
	tab.nodesMu.Lock()
	defer tab.nodesMu.Unlock()
	out := make([]NodeEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, NodeEntry{Node: e.Node, Distance: e.Distance, hash: e.hash, addedAt: e.addedAt})
	}
	return out
}

// Node returns the registered node with the given ID, or nil.
func (tab *NodeTable) Node(id common.NodeID) *common.Node {
	tab.nodesMu.Lock()
	defer tab.nodesMu.Unlock()
	if e, ok := tab.allNodes[id]; ok {
		return unwrapNode(e)
	}
	return nil
}

// Len returns the number of bucketed entries.
func (tab *NodeTable) Len() int {
	tab.stateMu.Lock()
	defer tab.stateMu.Unlock()
	n := 0
	for i := range tab.buckets {
		n += len(tab.buckets[i].entries)
	}
	return n
}

// DropNode removes a node from its bucket and the registry and emits a
// dropped event. Best-effort: unknown IDs are ignored.
func (tab *NodeTable) DropNode(id common.NodeID) {
	if e := tab.nodeEntry(id); e != nil {
		tab.dropNode(e)
	}
}

func (tab *NodeTable) dropNode(e *NodeEntry) {
	tab.stateMu.Lock()
	b := &tab.buckets[e.Distance-1]
	var removed bool
	b.entries, removed = deleteEntry(b.entries, e)
	tab.stateMu.Unlock()

	tab.nodesMu.Lock()
	if tab.allNodes[e.ID] == e {
		delete(tab.allNodes, e.ID)
	}
	tab.nodesMu.Unlock()
	e.setDead()

	if removed {
		bucketEntriesGauge.Dec()
	}
	tab.log.Debug("Dropping node", "id", e.ID)
	tab.appendEvent(e.ID, common.NodeEntryDropped)
}

// nodeEntry returns the registry entry for id, or nil.
func (tab *NodeTable) nodeEntry(id common.NodeID) *NodeEntry {
	tab.nodesMu.Lock()
	defer tab.nodesMu.Unlock()
	return tab.allNodes[id]
}

// noteActiveNode is the single path by which a node becomes bucketed or is
// refreshed as most recently seen. The observed endpoint overwrites the
// entry's IP and UDP port.
func (tab *NodeTable) noteActiveNode(id common.NodeID, observed common.Endpoint) {
	if id == tab.selfID || !observed.IsAllowed(tab.allowLocal) {
		return
	}

	tab.nodesMu.Lock()
	e := tab.allNodes[id]
	if e == nil || e.pending {
		tab.nodesMu.Unlock()
		return
	}
	e.Endpoint.IP = observed.IP
	e.Endpoint.UDPPort = observed.UDPPort
	tab.nodesMu.Unlock()

	var toEvict *NodeEntry
	added := false
	tab.stateMu.Lock()
	b := &tab.buckets[e.Distance-1]
	if i := indexOf(b.entries, e); i >= 0 {
		// Already bucketed: move to the most-recently-seen end.
		copy(b.entries[i:], b.entries[i+1:])
		b.entries[len(b.entries)-1] = e
	} else if len(b.entries) < bucketSize {
		e.addedAt = time.Now()
		b.entries = append(b.entries, e)
		added = true
	} else {
		front := b.entries[0]
		if !front.isLive() {
			// The incumbent was dropped from the registry already,
			// its slot is free.
			copy(b.entries, b.entries[1:])
			e.addedAt = time.Now()
			b.entries[len(b.entries)-1] = e
			added = true
		} else {
			toEvict = front
		}
	}
	tab.stateMu.Unlock()

	if added {
		bucketEntriesGauge.Inc()
		tab.log.Debug("Node bucketed", "id", id, "bucket", e.Distance-1)
		tab.appendEvent(id, common.NodeEntryAdded)
	}
	if toEvict != nil {
		tab.evict(toEvict, e)
	}
}

// evict starts a liveness probe against a bucket's least recently seen
// entry. The probe is registered before the ping goes out; a duplicate
// probe for the same incumbent is a no-op.
func (tab *NodeTable) evict(leastSeen, replacement *NodeEntry) {
	if tab.net == nil || !tab.net.isOpen() {
		return
	}
	tab.evictMu.Lock()
	if _, ok := tab.evictions[leastSeen.ID]; ok {
		tab.evictMu.Unlock()
		return
	}
	tab.evictions[leastSeen.ID] = evictionProbe{replacementID: replacement.ID, startedAt: time.Now()}
	probes := len(tab.evictions)
	tab.evictMu.Unlock()

	if probes == 1 {
		// First probe in flight, make sure the sweep timer runs.
		select {
		case tab.evictReq <- struct{}{}:
		default:
		}
	}
	tab.log.Debug("Eviction probe", "incumbent", leastSeen.ID, "replacement", replacement.ID)
	tab.nodesMu.Lock()
	incumbent := unwrapNode(leastSeen)
	tab.nodesMu.Unlock()
	tab.net.ping(incumbent)
}

// handlePong resolves eviction probes and pending flags for the sender and
// learns the local external endpoint from the echoed destination.
func (tab *NodeTable) handlePong(fromID common.NodeID, echoed common.Endpoint, fromIP net.IP) {
	var (
		resolved      bool
		replacementID common.NodeID
	)
	tab.evictMu.Lock()
	if p, ok := tab.evictions[fromID]; ok && time.Since(p.startedAt) <= reqTimeout {
		delete(tab.evictions, fromID)
		resolved = true
		replacementID = p.replacementID
	}
	tab.evictMu.Unlock()

	if resolved {
		// The incumbent answered in time; the newcomer is discarded.
		tab.nodesMu.Lock()
		repl := tab.allNodes[replacementID]
		if e := tab.allNodes[fromID]; e != nil {
			e.pending = false
		}
		tab.nodesMu.Unlock()
		if repl != nil {
			tab.dropNode(repl)
		}
		evictionResultsMeter.WithLabelValues("incumbent_kept").Inc()
	} else {
		tab.nodesMu.Lock()
		if e := tab.allNodes[fromID]; e != nil {
			e.pending = false
		}
		tab.nodesMu.Unlock()
	}

	tab.nodesMu.Lock()
	if (!tab.selfEndpoint.IsValid() || !netutil.IsRoutable(tab.selfEndpoint.IP)) && netutil.IsRoutable(echoed.IP) {
		tab.selfEndpoint.IP = echoed.IP
	}
	if echoed.UDPPort != 0 {
		tab.selfEndpoint.UDPPort = echoed.UDPPort
	}
	tab.nodesMu.Unlock()

	if tab.store != nil {
		tab.store.UpdateLastPongReceived(fromID, fromIP, time.Now())
	}
}

// checkEvictions sweeps the probe map: incumbents silent for longer than
// reqTimeout are dropped and their replacements promoted. Returns the
// number of probes still in flight.
func (tab *NodeTable) checkEvictions() int {
	var (
		drop     []*NodeEntry
		activate []*NodeEntry
	)
	now := time.Now()
	tab.evictMu.Lock()
	tab.nodesMu.Lock()
	for id, p := range tab.evictions {
		if now.Sub(p.startedAt) <= reqTimeout {
			continue
		}
		if e, ok := tab.allNodes[id]; ok {
			drop = append(drop, e)
			if r, ok := tab.allNodes[p.replacementID]; ok {
				activate = append(activate, r)
			}
		}
		delete(tab.evictions, id)
	}
	remaining := len(tab.evictions)
	endpoints := make([]common.Endpoint, len(activate))
	for i, r := range activate {
		endpoints[i] = r.Endpoint
	}
	tab.nodesMu.Unlock()
	tab.evictMu.Unlock()

	for _, e := range drop {
		tab.dropNode(e)
		evictionResultsMeter.WithLabelValues("replaced").Inc()
	}
	for i, r := range activate {
		tab.noteActiveNode(r.ID, endpoints[i])
	}
	return remaining
}

// expectNeighbours reports whether a Neighbours packet from the given node
// is an answer to one of our FindNode requests. Stale request records for
// the node are cleared; a fresh record stays so that batched responses keep
// matching until the timeout passes.
func (tab *NodeTable) expectNeighbours(fromID common.NodeID) bool {
	now := time.Now()
	expected := false
	tab.findMu.Lock()
	keep := tab.findNodeTimeout[:0]
	for _, fnt := range tab.findNodeTimeout {
		if fnt.id == fromID {
			if now.Sub(fnt.at) < reqTimeout {
				expected = true
				keep = append(keep, fnt)
			}
			continue
		}
		keep = append(keep, fnt)
	}
	tab.findNodeTimeout = keep
	tab.findMu.Unlock()
	return expected
}

// nearestNodeEntries returns up to bucketSize live, endpoint-allowed nodes
// ordered by ascending distance to the target identifier. Returned nodes
// are copies, safe to use without locks.
func (tab *NodeTable) nearestNodeEntries(targetHash common.Hash) []*common.Node {
	tab.stateMu.Lock()
	var all []*NodeEntry
	for i := range tab.buckets {
		for _, e := range tab.buckets[i].entries {
			if e.isLive() {
				all = append(all, e)
			}
		}
	}
	tab.stateMu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return distcmp(targetHash, all[i].hash, all[j].hash) < 0
	})

	tab.nodesMu.Lock()
	defer tab.nodesMu.Unlock()
	var out []*common.Node
	for _, e := range all {
		if len(out) == bucketSize {
			break
		}
		if e.Endpoint.IsAllowed(tab.allowLocal) {
			out = append(out, unwrapNode(e))
		}
	}
	return out
}

// discoverRound performs one round of an iterative lookup: send FindNode to
// up to alpha nearest nodes not yet tried. Returns false once the lookup
// terminated, either by round count or by running out of candidates.
func (tab *NodeTable) discoverRound(d *discoverState) bool {
	if tab.net == nil || !tab.net.isOpen() {
		return false
	}
	if d.round == maxSteps {
		tab.log.Debug("Terminating discovery", "rounds", d.round)
		return false
	}
	nearest := tab.nearestNodeEntries(d.targetHash)
	sent := 0
	now := time.Now()
	for _, n := range nearest {
		if sent == alpha {
			break
		}
		if d.tried[n.ID] {
			continue
		}
		d.tried[n.ID] = true
		tab.findMu.Lock()
		tab.findNodeTimeout = append(tab.findNodeTimeout, nodeIDTime{id: n.ID, at: now})
		tab.findMu.Unlock()
		tab.net.findnode(n, d.target)
		sent++
	}
	if sent == 0 {
		tab.log.Debug("Terminating discovery, no untried candidates", "rounds", d.round)
		return false
	}
	return true
}

func newDiscoverState() *discoverState {
	var target common.NodeID
	crand.Read(target[:])
	return &discoverState{
		target:     target,
		targetHash: target.Hash(),
		tried:      make(map[common.NodeID]bool),
	}
}

// copyLiveNodes persists bucketed nodes that survived long enough to count
// as stable seeds.
func (tab *NodeTable) copyLiveNodes() {
	if tab.store == nil {
		return
	}
	now := time.Now()
	tab.stateMu.Lock()
	var stable []*NodeEntry
	for i := range tab.buckets {
		for _, e := range tab.buckets[i].entries {
			if e.isLive() && now.Sub(e.addedAt) >= seedMinTableTime {
				stable = append(stable, e)
			}
		}
	}
	tab.stateMu.Unlock()

	tab.nodesMu.Lock()
	nodes := make([]*common.Node, len(stable))
	for i, e := range stable {
		nodes[i] = unwrapNode(e)
	}
	tab.nodesMu.Unlock()

	for _, n := range nodes {
		tab.store.UpdateNode(n)
	}
}

// loop owns all maintenance timers: the discovery scheduler (one random
// lookup every bucketRefresh, rounds spaced by discoverRoundTimeout), the
// eviction sweep (armed on demand, rescheduled while probes remain) and the
// periodic seed copy.
func (tab *NodeTable) loop() {
	var (
		discoverTimer = time.NewTimer(bucketRefresh)
		evictTimer    = time.NewTimer(evictionCheckInterval)
		copyNodes     = time.NewTicker(copyNodesInterval)
		disc          *discoverState
		evictArmed    bool
	)
	if !evictTimer.Stop() {
		<-evictTimer.C
	}
	defer discoverTimer.Stop()
	defer evictTimer.Stop()
	defer copyNodes.Stop()

	tab.loadSeedNodes()

	for {
		select {
		case <-discoverTimer.C:
			if disc == nil {
				disc = newDiscoverState()
				tab.log.Debug("Performing random discovery", "target", disc.targetHash)
			}
			if tab.discoverRound(disc) {
				disc.round++
				discoverTimer.Reset(discoverRoundTimeout)
			} else {
				disc = nil
				discoverTimer.Reset(bucketRefresh)
			}

		case <-tab.evictReq:
			if !evictArmed {
				evictArmed = true
				evictTimer.Reset(evictionCheckInterval)
			}

		case <-evictTimer.C:
			if tab.checkEvictions() > 0 {
				evictTimer.Reset(evictionCheckInterval)
			} else {
				evictArmed = false
			}

		case <-copyNodes.C:
			tab.copyLiveNodes()

		case <-tab.closeReq:
			close(tab.closed)
			return
		}
	}
}

// SetEventSink installs the receiver for added/dropped events.
func (tab *NodeTable) SetEventSink(sink common.EventSink) {
	tab.eventMu.Lock()
	tab.sink = sink
	tab.eventMu.Unlock()
}

// ProcessEvents drains queued events to the sink on the caller's goroutine.
func (tab *NodeTable) ProcessEvents() {
	tab.eventMu.Lock()
	sink := tab.sink
	events := tab.events
	tab.events = nil
	tab.eventMu.Unlock()
	if sink == nil {
		return
	}
	for _, ev := range events {
		sink.NodeEvent(ev)
	}
}

func (tab *NodeTable) appendEvent(id common.NodeID, kind common.EventType) {
	tab.eventMu.Lock()
	if tab.sink != nil {
		tab.events = append(tab.events, common.Event{ID: id, Kind: kind})
	}
	tab.eventMu.Unlock()
}

func indexOf(entries []*NodeEntry, e *NodeEntry) int {
	for i, entry := range entries {
		if entry == e {
			return i
		}
	}
	return -1
}

func deleteEntry(entries []*NodeEntry, e *NodeEntry) ([]*NodeEntry, bool) {
	if i := indexOf(entries, e); i >= 0 {
		return append(entries[:i], entries[i+1:]...), true
	}
	return entries, false
}
