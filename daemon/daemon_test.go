package daemon

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imattdu/xrayagent/errorx"
	"github.com/imattdu/xrayagent/metrics"
)

func TestParseAddr(t *testing.T) {
	for in, want := range map[string]Addr{
		"":                                      {UDP: DefaultAddress, TCP: DefaultAddress},
		"10.0.0.5:3000":                         {UDP: "10.0.0.5:3000", TCP: "10.0.0.5:3000"},
		"tcp:127.0.0.1:2000 udp:127.0.0.2:2001": {UDP: "127.0.0.2:2001", TCP: "127.0.0.1:2000"},
		"udp:127.0.0.2:2001 tcp:127.0.0.1:2000": {UDP: "127.0.0.2:2001", TCP: "127.0.0.1:2000"},
		"  daemon:2000 ":                        {UDP: "daemon:2000", TCP: "daemon:2000"},
	} {
		got, err := ParseAddr(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{
		"localhost",
		":2000",
		"127.0.0.1:99999",
		"tcp:127.0.0.1:2000",
		"tcp:127.0.0.1:2000 tcp:127.0.0.1:2001",
		"tcp:127.0.0.1:2000 http:127.0.0.1:2001",
		"a:1 b:2 c:3",
	} {
		_, err := ParseAddr(bad)
		assert.True(t, errorx.Is(err, errorx.ErrDaemonAddr), bad)
	}
}

func TestAddrEndpoint(t *testing.T) {
	a, err := ParseAddr("tcp:127.0.0.1:2000 udp:127.0.0.1:2001")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:2000", a.TCPEndpoint())
	assert.Equal(t, "tcp:127.0.0.1:2000 udp:127.0.0.1:2001", a.String())
}

func TestClientSend(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	addr, err := ParseAddr(ln.LocalAddr().String())
	require.NoError(t, err)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	payload := []byte(`{"format":"json","version":1}` + "\n" + `{"id":"abc"}`)
	c.Send(payload)

	buf := make([]byte, 65536)
	require.NoError(t, ln.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := ln.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])

	sent, failed := c.Stats()
	assert.EqualValues(t, 1, sent)
	assert.Zero(t, failed)
}

func TestClientSendAfterCloseCounts(t *testing.T) {
	addr, err := ParseAddr("127.0.0.1:2000")
	require.NoError(t, err)
	c, err := Dial(addr)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	before := testutil.ToFloat64(metrics.SendErrors)
	assert.NotPanics(t, func() { c.Send([]byte("x")) })
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SendErrors))
	_, failed := c.Stats()
	assert.EqualValues(t, 1, failed)
}

func TestNilClient(t *testing.T) {
	var c *Client
	assert.NotPanics(t, func() { c.Send([]byte("x")) })
	assert.NoError(t, c.Close())
}
