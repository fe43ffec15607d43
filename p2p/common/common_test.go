package common

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overmesh/overmesh/crypto"
)

func TestPubkeyIDRoundtrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	id := PubkeyID(key.PubKey())
	assert.False(t, id.IsZero())

	pub, err := id.Pubkey()
	require.NoError(t, err)
	assert.Equal(t, key.PubKey().SerializeUncompressed(), pub.SerializeUncompressed())

	parsed, err := HexID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestNodeIDHash(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	id := PubkeyID(key.PubKey())

	var want Hash
	want.Copy(crypto.Keccak256(id.Bytes()))
	assert.Equal(t, want, id.Hash())
}

func TestEndpointIsAllowed(t *testing.T) {
	public := Endpoint{IP: net.IPv4(8, 8, 8, 8), UDPPort: 30303}
	local := Endpoint{IP: net.IPv4(192, 168, 1, 4), UDPPort: 30303}
	noPort := Endpoint{IP: net.IPv4(8, 8, 8, 8)}
	noIP := Endpoint{UDPPort: 30303}
	multicast := Endpoint{IP: net.IPv4(224, 0, 0, 1), UDPPort: 30303}

	assert.True(t, public.IsAllowed(false))
	assert.True(t, public.IsAllowed(true))
	assert.False(t, local.IsAllowed(false))
	assert.True(t, local.IsAllowed(true))
	assert.False(t, noPort.IsAllowed(true))
	assert.False(t, noIP.IsAllowed(true))
	assert.False(t, multicast.IsAllowed(true))
}

func TestValidateComplete(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	id := PubkeyID(key.PubKey())

	ok := &Node{ID: id, Endpoint: Endpoint{IP: net.IPv4(8, 8, 8, 8), UDPPort: 30303}}
	assert.NoError(t, ok.ValidateComplete())

	assert.Error(t, (&Node{Endpoint: ok.Endpoint}).ValidateComplete())
	assert.Error(t, (&Node{ID: id}).ValidateComplete())
	assert.Error(t, (&Node{ID: id, Endpoint: Endpoint{IP: net.IPv4(8, 8, 8, 8)}}).ValidateComplete())
}

func TestParseNode(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	id := PubkeyID(key.PubKey())

	n, err := ParseNode(id.String() + "@203.0.113.7:30303")
	require.NoError(t, err)
	assert.Equal(t, id, n.ID)
	assert.True(t, n.Endpoint.IP.Equal(net.IPv4(203, 0, 113, 7)))
	assert.Equal(t, uint16(30303), n.Endpoint.UDPPort)
	assert.Equal(t, uint16(30303), n.Endpoint.TCPPort, "TCP defaults to the UDP port")

	n, err = ParseNode(id.String() + "@203.0.113.7:30303:30404")
	require.NoError(t, err)
	assert.Equal(t, uint16(30303), n.Endpoint.UDPPort)
	assert.Equal(t, uint16(30404), n.Endpoint.TCPPort)

	for _, bad := range []string{
		"203.0.113.7:30303",          // no ID
		"zz@203.0.113.7:30303",       // bad ID
		id.String() + "@badhost:1",   // bad IP
		id.String() + "@1.2.3.4:x",   // bad port
		id.String() + "@1.2.3.4",     // missing port
	} {
		_, err := ParseNode(bad)
		assert.Error(t, err, bad)
	}
}
