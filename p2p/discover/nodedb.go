package discover

import (
	"bytes"
	crand "crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/overmesh/overmesh/p2p/common"
)

// Keys in the node database.
const (
	// Fields are stored per ID and IP, the full key is
	// "n:<ID>:v4:<IP>:lastpong". Use nodeItemKey to create those keys.
	dbNodePrefix   = "n:"
	dbDiscoverRoot = "v4"
	dbNodePong     = "lastpong"
)

const (
	dbNodeExpiration = 24 * time.Hour // Time after which an unseen node should be dropped.
	dbCleanupCycle   = time.Hour      // Time period for running the expiration task.
	dbCacheSize      = 256            // Decoded node records kept in memory.
)

// NodeDB is the goleveldb-backed implementation of common.NodeStore. It
// persists node records and last-pong timestamps and serves random seed
// samples across restarts.
type NodeDB struct {
	lvl   *leveldb.DB
	cache *lru.Cache // node records by ID, invalidated on UpdateNode
	log   log.Logger

	runner    sync.Once
	quit      chan struct{}
	closeOnce sync.Once
}

// OpenNodeDB opens the node database at path. An empty path selects an
// in-memory database that is lost on close.
func OpenNodeDB(path string, lg log.Logger) (*NodeDB, error) {
	var (
		lvl *leveldb.DB
		err error
	)
	if path == "" {
		lvl, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		lvl, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "open node database")
	}
	cache, err := lru.New(dbCacheSize)
	if err != nil {
		return nil, err
	}
	return &NodeDB{lvl: lvl, cache: cache, log: lg, quit: make(chan struct{})}, nil
}

// nodeKey returns the database key for a node record.
func nodeKey(id common.NodeID) []byte {
	key := append([]byte(dbNodePrefix), id[:]...)
	key = append(key, ':')
	key = append(key, dbDiscoverRoot...)
	return key
}

// nodeItemKey returns the database key for a node metadata field.
func nodeItemKey(id common.NodeID, ip net.IP, field string) []byte {
	ip16 := ip.To16()
	if ip16 == nil {
		ip16 = make(net.IP, net.IPv6len)
	}
	return bytes.Join([][]byte{nodeKey(id), ip16, []byte(field)}, []byte{':'})
}

// splitNodeKey returns the node ID of a key created by nodeKey.
func splitNodeKey(key []byte) (id common.NodeID, rest []byte) {
	if !bytes.HasPrefix(key, []byte(dbNodePrefix)) {
		return common.NodeID{}, nil
	}
	item := key[len(dbNodePrefix):]
	if len(item) < len(id)+1 {
		return common.NodeID{}, nil
	}
	id.Copy(item[:len(id)])
	return id, item[len(id)+1:]
}

func (db *NodeDB) decodeNode(id common.NodeID, blob []byte) (*common.Node, error) {
	node := new(common.Node)
	if err := cdc.UnmarshalBinaryBare(blob, node); err != nil {
		return nil, errors.Wrapf(err, "can't decode node %s", id)
	}
	node.ID = id
	return node, nil
}

// UpdateNode stores a node record, replacing any previous version.
func (db *NodeDB) UpdateNode(node *common.Node) {
	blob, err := cdc.MarshalBinaryBare(node)
	if err != nil {
		db.log.Error("Can't encode node record", "id", node.ID, "err", err)
		return
	}
	if err := db.lvl.Put(nodeKey(node.ID), blob, nil); err != nil {
		db.log.Error("Can't store node record", "id", node.ID, "err", err)
		return
	}
	db.cache.Add(node.ID, node)
}

// Node reads a node record back, going through the in-memory cache first.
func (db *NodeDB) Node(id common.NodeID) *common.Node {
	if v, ok := db.cache.Get(id); ok {
		return v.(*common.Node)
	}
	blob, err := db.lvl.Get(nodeKey(id), nil)
	if err != nil {
		return nil
	}
	node, err := db.decodeNode(id, blob)
	if err != nil {
		db.log.Warn("Dropping corrupt node record", "id", id, "err", err)
		db.lvl.Delete(nodeKey(id), nil)
		return nil
	}
	db.cache.Add(id, node)
	return node
}

// QuerySeeds retrieves up to n random nodes whose last pong is younger than
// maxAge. Random database positions are probed so small databases are still
// covered evenly.
func (db *NodeDB) QuerySeeds(n int, maxAge time.Duration) []*common.Node {
	var (
		now   = time.Now()
		nodes = make([]*common.Node, 0, n)
		it    = db.lvl.NewIterator(nil, nil)
		id    common.NodeID
	)
	defer it.Release()

seek:
	for seeks := 0; len(nodes) < n && seeks < n*5; seeks++ {
		// Seek to a random entry. The first byte is incremented by a
		// random amount each time in order to increase the likelihood
		// of hitting all existing nodes in very small databases.
		ctr := id[0]
		crand.Read(id[:])
		id[0] = ctr + id[0]%16
		it.Seek(nodeKey(id))

		node := db.nextNode(it)
		if node == nil {
			continue seek // iterator exhausted
		}
		if now.Sub(db.LastPongReceived(node.ID, node.Endpoint.IP)) > maxAge {
			continue seek
		}
		for i := range nodes {
			if nodes[i].ID == node.ID {
				continue seek // duplicate
			}
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// nextNode reads the next node record from the iterator, skipping over
// metadata fields.
func (db *NodeDB) nextNode(it iterator.Iterator) *common.Node {
	for end := false; !end; end = !it.Next() {
		id, rest := splitNodeKey(it.Key())
		if string(rest) != dbDiscoverRoot {
			continue
		}
		node, err := db.decodeNode(id, it.Value())
		if err != nil {
			db.log.Warn("Skipping corrupt node record", "id", id, "err", err)
			continue
		}
		return node
	}
	return nil
}

// LastPongReceived returns the time of the last successful pong from the
// given node and IP.
func (db *NodeDB) LastPongReceived(id common.NodeID, ip net.IP) time.Time {
	// Launch expirer
	db.ensureExpirer()
	return time.Unix(db.fetchInt64(nodeItemKey(id, ip, dbNodePong)), 0)
}

// UpdateLastPongReceived records the time of the latest pong.
func (db *NodeDB) UpdateLastPongReceived(id common.NodeID, ip net.IP, instance time.Time) {
	db.storeInt64(nodeItemKey(id, ip, dbNodePong), instance.Unix())
}

// ensureExpirer starts the expiration goroutine on first use.
func (db *NodeDB) ensureExpirer() {
	db.runner.Do(func() { go db.expirer() })
}

// expirer loops ad infinitum and drops stale data from the database.
func (db *NodeDB) expirer() {
	tick := time.NewTicker(dbCleanupCycle)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			db.expireNodes()
		case <-db.quit:
			return
		}
	}
}

// expireNodes deletes all nodes that have not been seen for some time.
func (db *NodeDB) expireNodes() {
	var (
		threshold = time.Now().Add(-dbNodeExpiration).Unix()
		it        = db.lvl.NewIterator(util.BytesPrefix([]byte(dbNodePrefix)), nil)
		batch     [][]byte
	)
	defer it.Release()

	var (
		curID    common.NodeID
		haveID   bool
		youngest int64
		keys     [][]byte
	)
	flush := func() {
		if haveID && youngest > 0 && youngest < threshold {
			batch = append(batch, keys...)
		}
		keys, youngest = nil, 0
	}
	for it.Next() {
		id, rest := splitNodeKey(it.Key())
		if len(rest) == 0 {
			continue
		}
		if !haveID || id != curID {
			flush()
			curID, haveID = id, true
		}
		keys = append(keys, append([]byte{}, it.Key()...))
		if bytes.HasSuffix(rest, []byte(dbNodePong)) {
			if ts, read := binary.Varint(it.Value()); read > 0 && ts > youngest {
				youngest = ts
			}
		}
	}
	flush()

	for _, key := range batch {
		db.lvl.Delete(key, nil)
	}
	if len(batch) > 0 {
		db.cache.Purge()
		db.log.Debug("Expired stale node records", "keys", len(batch))
	}
}

func (db *NodeDB) storeInt64(key []byte, n int64) {
	blob := make([]byte, binary.MaxVarintLen64)
	blob = blob[:binary.PutVarint(blob, n)]
	db.lvl.Put(key, blob, nil)
}

func (db *NodeDB) fetchInt64(key []byte) int64 {
	blob, err := db.lvl.Get(key, nil)
	if err != nil {
		return 0
	}
	val, read := binary.Varint(blob)
	if read <= 0 {
		return 0
	}
	return val
}

// Close flushes and closes the database.
func (db *NodeDB) Close() {
	db.closeOnce.Do(func() {
		close(db.quit)
		db.lvl.Close()
	})
}
