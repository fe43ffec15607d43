// Copyright 2019 The go-ethereum Authors
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

package common

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec"

	"github.com/overmesh/overmesh/crypto"
	"github.com/overmesh/overmesh/p2p/netutil"
)

const (
	// HashLength is the length of a routing identifier.
	HashLength = 32
	// NodeIDLength is the length of a raw node public key.
	NodeIDLength = 64
)

// Hash is the Keccak-256 of a NodeID, the identifier nodes are routed by.
type Hash [HashLength]byte

func (h Hash) Bytes() []byte { return h[:] }

func (h *Hash) Copy(buffer []byte) {
	copy(h[:], buffer)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// NodeID is the public key of a peer: the uncompressed secp256k1 point minus
// its 0x04 prefix byte.
type NodeID [NodeIDLength]byte

func (n NodeID) Bytes() []byte {
	return n[:]
}

func (n *NodeID) Copy(buffer []byte) {
	copy(n[:], buffer)
}

// IsZero reports whether the ID is all zeroes.
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// Hash returns the routing identifier derived from the ID.
func (n NodeID) Hash() Hash {
	var h Hash
	h.Copy(crypto.Keccak256(n[:]))
	return h
}

// ID prints as a long hexadecimal number.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Pubkey rebuilds the secp256k1 public key behind the ID.
func (n NodeID) Pubkey() (*btcec.PublicKey, error) {
	buf := make([]byte, NodeIDLength+1)
	buf[0] = 0x04
	copy(buf[1:], n[:])
	return btcec.ParsePubKey(buf, btcec.S256())
}

// PubkeyID derives the node ID of a public key.
func PubkeyID(pub *btcec.PublicKey) NodeID {
	var id NodeID
	id.Copy(pub.SerializeUncompressed()[1:])
	return id
}

// PubkeyBytesToID derives the node ID of a serialized public key.
func PubkeyBytesToID(pub []byte) (NodeID, error) {
	var id NodeID
	key, err := btcec.ParsePubKey(pub, btcec.S256())
	if err != nil {
		return id, err
	}
	id.Copy(key.SerializeUncompressed()[1:])
	return id, nil
}

// HexID parses a hex-encoded node ID.
func HexID(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return id, err
	}
	if len(b) != NodeIDLength {
		return id, fmt.Errorf("wrong length, want %d hex chars", NodeIDLength*2)
	}
	id.Copy(b)
	return id, nil
}

// PeerType marks how important a peer is to the session layer.
type PeerType byte

const (
	PeerTypeOptional PeerType = iota
	PeerTypeRequired
)

// Endpoint is the network location of a node.
type Endpoint struct {
	IP      net.IP `json:"ip"`       // len 4 for IPv4 or 16 for IPv6
	UDPPort uint16 `json:"udp_port"` // discovery port
	TCPPort uint16 `json:"tcp_port"` // session port
}

// IsValid reports whether the endpoint names a usable discovery address.
func (e Endpoint) IsValid() bool {
	return len(e.IP) > 0 && !e.IP.IsUnspecified() && !e.IP.IsMulticast() && e.UDPPort != 0
}

// IsAllowed reports whether the endpoint may be inserted into the node
// table. Unroutable, local and reserved addresses are rejected unless
// allowLocal permits them.
func (e Endpoint) IsAllowed(allowLocal bool) bool {
	if !e.IsValid() {
		return false
	}
	if allowLocal {
		return true
	}
	return netutil.IsRoutable(e.IP)
}

// UDPAddr returns the endpoint's discovery address.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.UDPPort)}
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%v:%d", e.IP, e.UDPPort)
}

// Node is a host on the network.
type Node struct {
	ID       NodeID   `json:"id"`
	Endpoint Endpoint `json:"endpoint"`
	PeerType PeerType `json:"peer_type"`
}

// Incomplete returns true for nodes with no IP address or ID.
func (n *Node) Incomplete() bool {
	return len(n.Endpoint.IP) == 0 || n.ID.IsZero()
}

// ValidateComplete checks whether n has a valid IP and UDP port.
func (n *Node) ValidateComplete() error {
	if n.Incomplete() {
		return errors.New("missing IP address or ID")
	}
	if !n.Endpoint.IsValid() {
		return errors.New("invalid endpoint")
	}
	return nil
}

func (n *Node) String() string {
	return fmt.Sprintf("%s@%v:%d", n.ID, n.Endpoint.IP, n.Endpoint.UDPPort)
}

// ParseNode parses a node designator of the form
//
//	<hex node id>@<ip>:<udp port>[:<tcp port>]
func ParseNode(rawurl string) (*Node, error) {
	parts := strings.SplitN(rawurl, "@", 2)
	if len(parts) != 2 {
		return nil, errors.New("missing @ in node designator")
	}
	id, err := HexID(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid node ID: %v", err)
	}
	addr := parts[1]
	var tcpstr string
	if strings.Count(addr, ":") == 2 {
		i := strings.LastIndex(addr, ":")
		addr, tcpstr = addr[:i], addr[i+1:]
	}
	host, portstr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errors.New("invalid IP address")
	}
	udp, err := strconv.ParseUint(portstr, 10, 16)
	if err != nil {
		return nil, errors.New("invalid UDP port")
	}
	tcp := udp
	if tcpstr != "" {
		if tcp, err = strconv.ParseUint(tcpstr, 10, 16); err != nil {
			return nil, errors.New("invalid TCP port")
		}
	}
	return &Node{
		ID:       id,
		Endpoint: Endpoint{IP: ip, UDPPort: uint16(udp), TCPPort: uint16(tcp)},
	}, nil
}

// UDPConn is the socket the discovery transport runs on.
type UDPConn interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (n int, err error)
	Close() error
	LocalAddr() net.Addr
}

// EventType tags node table events.
type EventType byte

const (
	NodeEntryAdded EventType = iota
	NodeEntryDropped
)

func (e EventType) String() string {
	if e == NodeEntryAdded {
		return "added"
	}
	return "dropped"
}

// Event records a node entering or leaving the table.
type Event struct {
	ID   NodeID
	Kind EventType
}

// EventSink receives node table events. It is only ever invoked from
// ProcessEvents on the caller's goroutine, never under table locks.
type EventSink interface {
	NodeEvent(ev Event)
}

// NodeStore is the persistent store of known nodes.
type NodeStore interface {
	// QuerySeeds retrieves up to n random nodes whose last contact is
	// younger than maxAge.
	QuerySeeds(n int, maxAge time.Duration) []*Node
	// UpdateNode stores a node record.
	UpdateNode(node *Node)
	LastPongReceived(id NodeID, ip net.IP) time.Time
	UpdateLastPongReceived(id NodeID, ip net.IP, instance time.Time)
	Close()
}

// Config holds node table settings.
type Config struct {
	// PrivateKey is the local identity. Required.
	PrivateKey *btcec.PrivateKey

	// Enabled opens the UDP socket and starts discovery. When false the
	// table stays queryable but empty.
	Enabled bool

	// AllowLocalEndpoints admits unroutable addresses into the table.
	// Meant for tests and private networks.
	AllowLocalEndpoints bool

	// NetRestrict, when set, limits neighbour records to the given networks.
	NetRestrict *netutil.Netlist

	// SeedNodes are the initial points of contact.
	SeedNodes []*Node
}
