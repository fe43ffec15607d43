package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsLAN(t *testing.T) {
	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "172.16.0.9", "192.168.1.1", "169.254.9.9", "fe80::1", "::1"} {
		assert.True(t, IsLAN(net.ParseIP(ip)), ip)
	}
	for _, ip := range []string{"8.8.8.8", "1.1.1.1", "2001:4860::8888"} {
		assert.False(t, IsLAN(net.ParseIP(ip)), ip)
	}
}

func TestIsRoutable(t *testing.T) {
	for _, ip := range []string{"8.8.8.8", "52.1.2.3", "2a00:1450::1"} {
		assert.True(t, IsRoutable(net.ParseIP(ip)), ip)
	}
	for _, ip := range []string{"0.0.0.0", "127.0.0.1", "10.0.0.1", "192.168.0.1", "224.0.0.1", "203.0.113.7", "255.255.255.255", "::"} {
		assert.False(t, IsRoutable(net.ParseIP(ip)), ip)
	}
	assert.False(t, IsRoutable(nil))
}

func TestCheckRelayIP(t *testing.T) {
	tests := []struct {
		sender, addr string
		wantErr      bool
	}{
		{"8.8.8.8", "9.9.9.9", false},
		{"127.0.0.1", "127.0.0.2", false},
		{"8.8.8.8", "127.0.0.2", true},
		{"10.0.0.1", "10.0.0.2", false},
		{"8.8.8.8", "10.0.0.2", true},
		{"8.8.8.8", "224.0.0.1", true},
		{"8.8.8.8", "0.0.0.0", true},
		{"8.8.8.8", "198.51.100.1", true},
	}
	for _, tc := range tests {
		err := CheckRelayIP(net.ParseIP(tc.sender), net.ParseIP(tc.addr))
		if tc.wantErr {
			assert.Error(t, err, "%s relays %s", tc.sender, tc.addr)
		} else {
			assert.NoError(t, err, "%s relays %s", tc.sender, tc.addr)
		}
	}
}

func TestNetlist(t *testing.T) {
	l, err := ParseNetlist("10.0.0.0/8, 192.168.1.0/24")
	require.NoError(t, err)
	assert.True(t, l.Contains(net.ParseIP("10.4.5.6")))
	assert.True(t, l.Contains(net.ParseIP("192.168.1.7")))
	assert.False(t, l.Contains(net.ParseIP("192.168.2.7")))
	assert.False(t, l.Contains(net.ParseIP("8.8.8.8")))

	var nilList *Netlist
	assert.False(t, nilList.Contains(net.ParseIP("10.0.0.1")))

	_, err = ParseNetlist("not-a-cidr")
	assert.Error(t, err)
}
