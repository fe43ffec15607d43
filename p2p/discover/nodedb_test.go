package discover

import (
	crand "crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overmesh/overmesh/p2p/common"
)

func newTestDB(t *testing.T) *NodeDB {
	db, err := OpenNodeDB("", testLogger())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func randomNode(tail byte) *common.Node {
	var id common.NodeID
	crand.Read(id[:])
	return &common.Node{
		ID:       id,
		Endpoint: common.Endpoint{IP: net.IPv4(10, 0, 3, tail), UDPPort: 30303, TCPPort: 30303},
	}
}

func TestNodeDBRoundtrip(t *testing.T) {
	db := newTestDB(t)
	n := randomNode(1)

	assert.Nil(t, db.Node(n.ID))
	db.UpdateNode(n)

	got := db.Node(n.ID)
	require.NotNil(t, got)
	assert.Equal(t, n.ID, got.ID)
	assert.True(t, got.Endpoint.IP.Equal(n.Endpoint.IP))
	assert.Equal(t, n.Endpoint.UDPPort, got.Endpoint.UDPPort)

	// Second read is served from the cache.
	assert.Equal(t, got, db.Node(n.ID))
}

func TestNodeDBPongTimestamps(t *testing.T) {
	db := newTestDB(t)
	n := randomNode(1)

	assert.True(t, db.LastPongReceived(n.ID, n.Endpoint.IP).Unix() <= 0)

	now := time.Now()
	db.UpdateLastPongReceived(n.ID, n.Endpoint.IP, now)
	got := db.LastPongReceived(n.ID, n.Endpoint.IP)
	assert.Equal(t, now.Unix(), got.Unix())

	// Timestamps are tracked per IP.
	other := net.IPv4(10, 0, 3, 2)
	assert.True(t, db.LastPongReceived(n.ID, other).Unix() <= 0)
}

func TestNodeDBQuerySeeds(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	fresh := make(map[common.NodeID]bool)
	for i := 0; i < 8; i++ {
		n := randomNode(byte(i + 1))
		db.UpdateNode(n)
		if i%2 == 0 {
			db.UpdateLastPongReceived(n.ID, n.Endpoint.IP, now)
			fresh[n.ID] = true
		}
	}

	seeds := db.QuerySeeds(10, time.Hour)
	require.NotEmpty(t, seeds)
	assert.True(t, len(seeds) <= len(fresh), "only nodes with a fresh pong qualify as seeds")
	seen := make(map[common.NodeID]bool)
	for _, n := range seeds {
		assert.True(t, fresh[n.ID], "stale node returned as seed")
		assert.False(t, seen[n.ID], "duplicate seed")
		seen[n.ID] = true
	}
}

func TestNodeDBExpiry(t *testing.T) {
	db := newTestDB(t)

	old := randomNode(1)
	db.UpdateNode(old)
	db.UpdateLastPongReceived(old.ID, old.Endpoint.IP, time.Now().Add(-2*dbNodeExpiration))

	young := randomNode(2)
	db.UpdateNode(young)
	db.UpdateLastPongReceived(young.ID, young.Endpoint.IP, time.Now())

	db.expireNodes()

	assert.Nil(t, db.Node(old.ID), "expired node must be purged")
	assert.NotNil(t, db.Node(young.ID))
}
