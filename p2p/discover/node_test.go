package discover

import (
	crand "crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/overmesh/overmesh/p2p/common"
)

func TestLogdist(t *testing.T) {
	var a common.Hash
	assert.Equal(t, 0, logdist(a, a), "identical identifiers are at distance 0")

	b := a
	b[0] = 0x80 // differ in the topmost bit
	assert.Equal(t, 256, logdist(a, b))

	c := a
	c[0] = 0x01
	assert.Equal(t, 249, logdist(a, c))

	d := a
	d[31] = 0x01 // only the last bit differs
	assert.Equal(t, 1, logdist(a, d))

	// Symmetry.
	for i := 0; i < 16; i++ {
		var x, y common.Hash
		crand.Read(x[:])
		crand.Read(y[:])
		assert.Equal(t, logdist(x, y), logdist(y, x))
	}
}

func TestDistcmp(t *testing.T) {
	var target, a, b common.Hash
	a[0] = 0x01
	b[0] = 0x02
	assert.Equal(t, -1, distcmp(target, a, b))
	assert.Equal(t, 1, distcmp(target, b, a))
	assert.Equal(t, 0, distcmp(target, a, a))

	// distcmp is consistent with logdist.
	for i := 0; i < 32; i++ {
		var t1, x, y common.Hash
		crand.Read(t1[:])
		crand.Read(x[:])
		crand.Read(y[:])
		if logdist(t1, x) < logdist(t1, y) {
			assert.Equal(t, -1, distcmp(t1, x, y))
		}
	}
}

func TestNodeEntryDistanceFixed(t *testing.T) {
	var selfHash common.Hash
	crand.Read(selfHash[:])

	var id common.NodeID
	crand.Read(id[:])
	n := &common.Node{ID: id}

	e := newNodeEntry(selfHash, n)
	assert.Equal(t, logdist(selfHash, id.Hash()), e.Distance)
	assert.True(t, e.pending, "fresh entries start pending")
	assert.True(t, e.isLive())

	e.setDead()
	assert.False(t, e.isLive())
}
