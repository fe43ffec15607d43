package discover

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"
	amino "github.com/tendermint/go-amino"

	"github.com/btcsuite/btcd/btcec"

	"github.com/overmesh/overmesh/crypto"
	"github.com/overmesh/overmesh/p2p/common"
	"github.com/overmesh/overmesh/p2p/netutil"
)

// Errors
var (
	errPacketTooSmall   = errors.New("too small")
	errBadHash          = errors.New("bad hash")
	errBadSignature     = errors.New("bad signature")
	errUnknownType      = errors.New("unknown packet type")
	errBadBody          = errors.New("bad body")
	errExpired          = errors.New("expired")
	errUnsolicitedReply = errors.New("unsolicited reply")
)

const (
	macSize  = 32
	sigSize  = crypto.SignatureLength
	headSize = macSize + sigSize // space of packet frame data

	// Packets with an expiry this far in the future are produced; packets
	// whose expiry is in the past are dropped.
	expiration = 60 * time.Second

	// Discovery packets are defined to be no larger than 1280 bytes.
	// Packets larger than this size will be cut at the end and treated
	// as invalid because their hash won't match.
	maxPacketSize = 1280

	pingVersion = 4
)

// maxNeighbours bounds a Neighbours batch so the datagram stays under
// maxPacketSize; larger result sets go out as multiple datagrams.
var maxNeighbours int

// RPC packet types
const (
	pPing = iota + 1 // zero is 'reserved'
	pPong
	pFindnode
	pNeighbours
)

var headSpace = make([]byte, headSize)

// RPC request structures
type (
	ping struct {
		Version    uint32
		From, To   rpcEndpoint
		Expiration uint64
	}

	// pong is the reply to ping.
	pong struct {
		// This field mirrors the UDP envelope address of the ping
		// packet, which provides a way to discover the external
		// address (after NAT).
		To rpcEndpoint

		ReplyTok   []byte // the hash of the ping packet
		Expiration uint64 // absolute timestamp at which the packet becomes invalid
	}

	// findnode is a query for nodes close to the given target.
	findnode struct {
		Target     common.NodeID
		Expiration uint64
	}

	// neighbours is the reply to findnode.
	neighbours struct {
		Nodes      []rpcNode
		Expiration uint64
	}

	rpcNode struct {
		IP  net.IP // len 4 for IPv4 or 16 for IPv6
		UDP uint16 // for discovery protocol
		TCP uint16 // for the session protocol
		ID  common.NodeID
	}

	rpcEndpoint struct {
		IP  net.IP // len 4 for IPv4 or 16 for IPv6
		UDP uint16 // for discovery protocol
		TCP uint16 // for the session protocol
	}
)

// packet is implemented by all protocol messages.
type packet interface {
	// preverify checks whether the packet is valid and should be handled at all.
	preverify(t *udp, from *net.UDPAddr, fromID common.NodeID) error
	// handle handles the packet. mac is the frame hash of the received datagram.
	handle(t *udp, from *net.UDPAddr, fromID common.NodeID, mac []byte)
	// packet name and type for logging purposes.
	name() string
	kind() byte
}

var cdc = amino.NewCodec()

func init() {
	cdc.RegisterInterface((*packet)(nil), nil)
	cdc.RegisterConcrete(&ping{}, "overmesh/discover/ping", nil)
	cdc.RegisterConcrete(&pong{}, "overmesh/discover/pong", nil)
	cdc.RegisterConcrete(&findnode{}, "overmesh/discover/findnode", nil)
	cdc.RegisterConcrete(&neighbours{}, "overmesh/discover/neighbours", nil)

	// Find the maximum number of neighbour records that keep the datagram
	// under the size limit.
	var maxID common.NodeID
	for i := range maxID {
		maxID[i] = 0xff
	}
	p := neighbours{Expiration: ^uint64(0)}
	maxSizeNode := rpcNode{IP: make(net.IP, net.IPv6len), UDP: ^uint16(0), TCP: ^uint16(0), ID: maxID}
	for n := 0; ; n++ {
		p.Nodes = append(p.Nodes, maxSizeNode)
		var pkt packet = &p
		data, err := cdc.MarshalBinaryBare(pkt)
		if err != nil {
			// If this ever happens, it will be caught by the unit tests.
			panic("cannot encode: " + err.Error())
		}
		if headSize+1+len(data) >= maxPacketSize {
			maxNeighbours = n
			break
		}
	}
}

// udp is the discovery transport: it reads datagrams off the socket, runs
// them through the codec and feeds verified packets to the table.
type udp struct {
	tab         *NodeTable
	conn        common.UDPConn
	priv        *btcec.PrivateKey
	netrestrict *netutil.Netlist
	log         log.Logger

	wg        sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

func newUDP(tab *NodeTable, conn common.UDPConn, cfg common.Config, lg log.Logger) *udp {
	return &udp{
		tab:         tab,
		conn:        conn,
		priv:        cfg.PrivateKey,
		netrestrict: cfg.NetRestrict,
		log:         lg,
		closing:     make(chan struct{}),
	}
}

func (t *udp) start() {
	t.wg.Add(1)
	go t.readLoop()
}

// close shuts down the socket and waits for the reader to drain.
func (t *udp) close() {
	t.closeOnce.Do(func() {
		close(t.closing)
		t.conn.Close()
		t.wg.Wait()
	})
}

func (t *udp) isOpen() bool {
	select {
	case <-t.closing:
		return false
	default:
		return true
	}
}

// readLoop runs in its own goroutine. It handles incoming UDP packets.
func (t *udp) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, maxPacketSize)
	for {
		nbytes, from, err := t.conn.ReadFromUDP(buf)
		if netutil.IsTemporaryError(err) {
			// Ignore temporary read errors.
			t.log.Debug("Temporary UDP read error", "err", err)
			continue
		} else if err != nil {
			// Shut down the loop for permanent errors.
			if err != io.EOF {
				t.log.Debug("UDP read error", "err", err)
			}
			return
		}
		t.handlePacket(from, buf[:nbytes])
	}
}

// handlePacket decodes, verifies and dispatches one datagram. Every error
// is recovered locally: the packet is logged and discarded, the reader
// keeps running.
func (t *udp) handlePacket(from *net.UDPAddr, buf []byte) error {
	pkt, fromID, hash, err := decodePacket(buf)
	if err != nil {
		ingressDroppedMeter.WithLabelValues(dropReason(err)).Inc()
		t.log.Warn("Bad discovery packet", "addr", from, "err", err)
		return err
	}
	if err := pkt.preverify(t, from, fromID); err != nil {
		ingressDroppedMeter.WithLabelValues(dropReason(err)).Inc()
		t.log.Debug("Discarding "+pkt.name(), "id", fromID, "addr", from, "err", err)
		return err
	}
	ingressPacketsMeter.WithLabelValues(pkt.name()).Inc()
	t.log.Debug("<< "+pkt.name(), "id", fromID, "addr", from)
	pkt.handle(t, from, fromID, hash)
	t.tab.noteActiveNode(fromID, common.Endpoint{IP: from.IP, UDPPort: uint16(from.Port)})
	return nil
}

// encodePacket assembles the frame hash(32) ‖ sig(65) ‖ type(1) ‖ body.
// The signature covers Keccak256(type ‖ body), the frame hash covers
// everything behind it.
func encodePacket(priv *btcec.PrivateKey, req packet) (packet, hash []byte, err error) {
	body, err := cdc.MarshalBinaryBare(req)
	if err != nil {
		return nil, nil, err
	}
	b := new(bytes.Buffer)
	b.Write(headSpace)
	b.WriteByte(req.kind())
	b.Write(body)
	packet = b.Bytes()
	sig, err := crypto.Sign(crypto.Keccak256(packet[headSize:]), priv)
	if err != nil {
		return nil, nil, err
	}
	copy(packet[macSize:], sig)
	hash = crypto.Keccak256(packet[macSize:])
	copy(packet, hash)
	return packet, hash, nil
}

// decodePacket validates a frame and recovers the signer.
func decodePacket(buf []byte) (packet, common.NodeID, []byte, error) {
	var fromID common.NodeID
	// The smallest valid frame carries a 3-byte body.
	if len(buf) < headSize+1+3 {
		return nil, fromID, nil, errPacketTooSmall
	}
	hash, sig, sigdata := buf[:macSize], buf[macSize:headSize], buf[headSize:]
	if !bytes.Equal(hash, crypto.Keccak256(buf[macSize:])) {
		return nil, fromID, nil, errBadHash
	}
	pub, err := crypto.RecoverPubkey(crypto.Keccak256(sigdata), sig)
	if err != nil {
		return nil, fromID, hash, errBadSignature
	}
	fromID, err = common.PubkeyBytesToID(pub)
	if err != nil || fromID.IsZero() {
		return nil, fromID, hash, errBadSignature
	}
	switch ptype := sigdata[0]; ptype {
	case pPing, pPong, pFindnode, pNeighbours:
	default:
		return nil, fromID, hash, errUnknownType
	}
	var req packet
	if err := cdc.UnmarshalBinaryBare(sigdata[1:], &req); err != nil {
		return nil, fromID, hash, errBadBody
	}
	if req.kind() != sigdata[0] {
		return nil, fromID, hash, errBadBody
	}
	return req, fromID, hash, nil
}

func (t *udp) send(toaddr *net.UDPAddr, toid common.NodeID, req packet) ([]byte, error) {
	packet, hash, err := encodePacket(t.priv, req)
	if err != nil {
		t.log.Error(fmt.Sprintf("Can't encode %s packet", req.name()), "err", err)
		return nil, err
	}
	return hash, t.write(toaddr, toid, req.name(), packet)
}

func (t *udp) write(toaddr *net.UDPAddr, toid common.NodeID, what string, packet []byte) error {
	_, err := t.conn.WriteToUDP(packet, toaddr)
	egressPacketsMeter.WithLabelValues(what).Inc()
	t.log.Debug(">> "+what, "id", toid, "addr", toaddr, "err", err)
	return err
}

func (t *udp) ourEndpoint() rpcEndpoint {
	self := t.tab.Self()
	return rpcEndpoint{IP: self.Endpoint.IP, UDP: self.Endpoint.UDPPort, TCP: self.Endpoint.TCPPort}
}

func makeEndpoint(addr *net.UDPAddr, tcpPort uint16) rpcEndpoint {
	ip := net.IP{}
	if ip4 := addr.IP.To4(); ip4 != nil {
		ip = ip4
	} else if ip6 := addr.IP.To16(); ip6 != nil {
		ip = ip6
	}
	return rpcEndpoint{IP: ip, UDP: uint16(addr.Port), TCP: tcpPort}
}

// ping sends a probe to the given node. Fire and forget: the answer is
// matched by the table when the pong arrives.
func (t *udp) ping(n *common.Node) {
	toaddr := n.Endpoint.UDPAddr()
	t.send(toaddr, n.ID, &ping{
		Version:    pingVersion,
		From:       t.ourEndpoint(),
		To:         makeEndpoint(toaddr, 0),
		Expiration: uint64(time.Now().Add(expiration).Unix()),
	})
}

// findnode queries the given node for peers close to target.
func (t *udp) findnode(n *common.Node, target common.NodeID) {
	t.send(n.Endpoint.UDPAddr(), n.ID, &findnode{
		Target:     target,
		Expiration: uint64(time.Now().Add(expiration).Unix()),
	})
}

// nodeFromRPC validates a neighbour record relayed by sender.
func (t *udp) nodeFromRPC(sender *net.UDPAddr, rn rpcNode) (*common.Node, error) {
	if rn.UDP == 0 {
		return nil, errors.New("missing UDP port")
	}
	if err := netutil.CheckRelayIP(sender.IP, rn.IP); err != nil {
		return nil, err
	}
	if t.netrestrict != nil && !t.netrestrict.Contains(rn.IP) {
		return nil, errors.New("not contained in netrestrict whitelist")
	}
	n := &common.Node{
		ID:       rn.ID,
		Endpoint: common.Endpoint{IP: rn.IP, UDPPort: rn.UDP, TCPPort: rn.TCP},
	}
	return n, n.ValidateComplete()
}

// expired checks whether the given UNIX time stamp is in the past.
func expired(ts uint64) bool {
	return time.Unix(int64(ts), 0).Before(time.Now())
}

func dropReason(err error) string {
	switch err {
	case errPacketTooSmall:
		return "too_small"
	case errBadHash:
		return "bad_hash"
	case errBadSignature:
		return "bad_signature"
	case errUnknownType:
		return "unknown_type"
	case errBadBody:
		return "bad_body"
	case errExpired:
		return "expired"
	case errUnsolicitedReply:
		return "unsolicited"
	default:
		return "other"
	}
}

// PING

func (req *ping) name() string { return "PING" }
func (req *ping) kind() byte   { return pPing }

func (req *ping) preverify(t *udp, from *net.UDPAddr, fromID common.NodeID) error {
	if expired(req.Expiration) {
		return errExpired
	}
	return nil
}

func (req *ping) handle(t *udp, from *net.UDPAddr, fromID common.NodeID, mac []byte) {
	// The UDP envelope is authoritative for the sender's endpoint.
	source := makeEndpoint(from, req.From.TCP)
	n := &common.Node{
		ID:       fromID,
		Endpoint: common.Endpoint{IP: source.IP, UDPPort: source.UDP, TCPPort: source.TCP},
	}
	t.tab.AddNode(n, Unknown)

	t.send(from, fromID, &pong{
		To:         source,
		ReplyTok:   mac,
		Expiration: uint64(time.Now().Add(expiration).Unix()),
	})
}

// PONG

func (req *pong) name() string { return "PONG" }
func (req *pong) kind() byte   { return pPong }

func (req *pong) preverify(t *udp, from *net.UDPAddr, fromID common.NodeID) error {
	if expired(req.Expiration) {
		return errExpired
	}
	return nil
}

func (req *pong) handle(t *udp, from *net.UDPAddr, fromID common.NodeID, mac []byte) {
	t.tab.handlePong(fromID, common.Endpoint{IP: req.To.IP, UDPPort: req.To.UDP}, from.IP)
}

// FINDNODE

func (req *findnode) name() string { return "FINDNODE" }
func (req *findnode) kind() byte   { return pFindnode }

func (req *findnode) preverify(t *udp, from *net.UDPAddr, fromID common.NodeID) error {
	if expired(req.Expiration) {
		return errExpired
	}
	// Unsolicited queries are served; the network itself limits the rate.
	return nil
}

func (req *findnode) handle(t *udp, from *net.UDPAddr, fromID common.NodeID, mac []byte) {
	nearest := t.tab.nearestNodeEntries(req.Target.Hash())

	// Send neighbours in chunks with at most maxNeighbours per packet
	// to stay below the datagram size limit.
	p := neighbours{Expiration: uint64(time.Now().Add(expiration).Unix())}
	var sent bool
	for _, n := range nearest {
		if netutil.CheckRelayIP(from.IP, n.Endpoint.IP) != nil {
			continue
		}
		p.Nodes = append(p.Nodes, nodeToRPC(n))
		if len(p.Nodes) == maxNeighbours {
			t.send(from, fromID, &p)
			p.Nodes = p.Nodes[:0]
			sent = true
		}
	}
	if len(p.Nodes) > 0 || !sent {
		t.send(from, fromID, &p)
	}
}

func nodeToRPC(n *common.Node) rpcNode {
	return rpcNode{ID: n.ID, IP: n.Endpoint.IP, UDP: n.Endpoint.UDPPort, TCP: n.Endpoint.TCPPort}
}

// NEIGHBOURS

func (req *neighbours) name() string { return "NEIGHBOURS" }
func (req *neighbours) kind() byte   { return pNeighbours }

func (req *neighbours) preverify(t *udp, from *net.UDPAddr, fromID common.NodeID) error {
	if expired(req.Expiration) {
		return errExpired
	}
	if !t.tab.expectNeighbours(fromID) {
		t.log.Warn("Dropping unsolicited neighbours packet", "id", fromID, "addr", from)
		return errUnsolicitedReply
	}
	return nil
}

func (req *neighbours) handle(t *udp, from *net.UDPAddr, fromID common.NodeID, mac []byte) {
	for _, rn := range req.Nodes {
		n, err := t.nodeFromRPC(from, rn)
		if err != nil {
			t.log.Debug("Invalid neighbour node received", "id", rn.ID, "ip", rn.IP, "addr", from, "err", err)
			continue
		}
		t.tab.AddNode(n, Unknown)
	}
}
