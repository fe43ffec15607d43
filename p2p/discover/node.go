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

package discover

import (
	"fmt"
	"math/bits"
	"net"
	"sync/atomic"
	"time"

	"github.com/overmesh/overmesh/p2p/common"
)

// NodeEntry is a node in the table together with its fixed distance from
// the local identifier.
//
// Entries are owned by the table's node registry; buckets reference the same
// values and check the live flag instead of holding ownership. Endpoint and
// pending are guarded by the table's nodes lock.
type NodeEntry struct {
	common.Node
	Distance int // logdist(local, id), 1..256, never mutated

	hash    common.Hash
	addedAt time.Time // time when the node was bucketed
	pending bool      // true until a ping round-trip completes
	live    int32     // atomic: 1 while the registry owns the entry
}

func newNodeEntry(localHash common.Hash, n *common.Node) *NodeEntry {
	h := n.ID.Hash()
	return &NodeEntry{
		Node:     *n,
		Distance: logdist(localHash, h),
		hash:     h,
		pending:  true,
		live:     1,
	}
}

// isLive reports whether the registry still owns the entry. Bucket
// traversals treat dead entries like expired weak references.
func (e *NodeEntry) isLive() bool {
	return atomic.LoadInt32(&e.live) == 1
}

func (e *NodeEntry) setDead() {
	atomic.StoreInt32(&e.live, 0)
}

func (e *NodeEntry) addr() *net.UDPAddr {
	return e.Endpoint.UDPAddr()
}

func (e *NodeEntry) String() string {
	return fmt.Sprintf("%s dist:%d", &e.Node, e.Distance)
}

func unwrapNode(e *NodeEntry) *common.Node {
	n := e.Node
	return &n
}

// logdist returns the logarithmic distance between a and b: the bit length
// of a XOR b, which is 256 minus the length of the common MSB prefix.
// Identical identifiers are at distance 0.
func logdist(a, b common.Hash) int {
	lz := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			lz += 8
		} else {
			lz += bits.LeadingZeros8(x)
			break
		}
	}
	return len(a)*8 - lz
}

// distcmp compares the distances a->target and b->target.
// Returns -1 if a is closer to target, 1 if b is closer to target
// and 0 if they are equal.
func distcmp(target, a, b common.Hash) int {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da > db {
			return 1
		} else if da < db {
			return -1
		}
	}
	return 0
}
