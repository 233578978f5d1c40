package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redikv/internal/config"
	"redikv/internal/resp"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	cfg.Port = 0
	s := New(cfg, quietLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, time.Second, time.Millisecond)
	t.Cleanup(s.Shutdown)
	return s
}

func dial(t *testing.T, addr net.Addr) (net.Conn, *resp.Reader) {
	t.Helper()
	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, resp.NewReader(c)
}

func send(t *testing.T, c net.Conn, args ...string) {
	t.Helper()
	_, err := c.Write(resp.EncodeArray(args))
	require.NoError(t, err)
}

func TestPing(t *testing.T) {
	s := startServer(t, config.Default())
	c, r := dial(t, s.Addr())

	send(t, c, "PING")
	v, _, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, "PONG", v.Str)
}

func TestEcho(t *testing.T) {
	s := startServer(t, config.Default())
	c, r := dial(t, s.Addr())

	send(t, c, "ECHO", "hello")
	v, _, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, resp.BulkString, v.Kind)
	assert.Equal(t, "hello", v.Str)
}

func TestSetAndGet(t *testing.T) {
	s := startServer(t, config.Default())
	c, r := dial(t, s.Addr())

	send(t, c, "SET", "foo", "bar")
	v, _, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, "OK", v.Str)

	send(t, c, "GET", "foo")
	v, _, err = r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, "bar", v.Str)
}

func TestGetMissingKeyReturnsNullBulk(t *testing.T) {
	s := startServer(t, config.Default())
	c, r := dial(t, s.Addr())

	send(t, c, "GET", "nope")
	v, _, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, resp.NullBulk, v.Kind)
}

func TestSetWithExpiryExpires(t *testing.T) {
	s := startServer(t, config.Default())
	c, r := dial(t, s.Addr())

	send(t, c, "SET", "foo", "bar", "PX", "50")
	_, _, err := r.ReadValue()
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	send(t, c, "GET", "foo")
	v, _, err := r.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, resp.NullBulk, v.Kind)
}

func TestFollowerHandshakeReplicatesWrites(t *testing.T) {
	leader := startServer(t, config.Default())

	followerCfg := config.Default()
	followerCfg.ReplicaOf = &config.ReplicaOf{
		Host: "127.0.0.1",
		Port: leader.Addr().(*net.TCPAddr).Port,
	}
	follower := startServer(t, followerCfg)

	leaderConn, leaderReader := dial(t, leader.Addr())
	send(t, leaderConn, "SET", "k", "v")
	v, _, err := leaderReader.ReadValue()
	require.NoError(t, err)
	require.Equal(t, "OK", v.Str)

	require.Eventually(t, func() bool {
		got, ok := follower.store.Get("k")
		return ok && got == "v"
	}, 2*time.Second, 10*time.Millisecond, "write should propagate to follower")
}

func TestWaitReturnsAckedFollowerCount(t *testing.T) {
	leader := startServer(t, config.Default())

	followerCfg := config.Default()
	followerCfg.ReplicaOf = &config.ReplicaOf{
		Host: "127.0.0.1",
		Port: leader.Addr().(*net.TCPAddr).Port,
	}
	startServer(t, followerCfg)

	require.Eventually(t, func() bool { return leader.registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	leaderConn, leaderReader := dial(t, leader.Addr())
	send(t, leaderConn, "SET", "k", "v")
	_, _, err := leaderReader.ReadValue()
	require.NoError(t, err)

	send(t, leaderConn, "WAIT", "1", "2000")
	v, _, err := leaderReader.ReadValue()
	require.NoError(t, err)
	assert.Equal(t, resp.Integer, v.Kind)
	assert.GreaterOrEqual(t, v.Int, int64(1))
}

// A connection that has never itself propagated a write has nothing
// pending to wait for, and must get the registered-follower count back
// immediately even though some other connection's SET is still
// unacknowledged and the timeout is too short for a real round trip.
func TestWaitFromUninvolvedConnectionShortCircuits(t *testing.T) {
	leader := startServer(t, config.Default())

	followerCfg := config.Default()
	followerCfg.ReplicaOf = &config.ReplicaOf{
		Host: "127.0.0.1",
		Port: leader.Addr().(*net.TCPAddr).Port,
	}
	startServer(t, followerCfg)

	require.Eventually(t, func() bool { return leader.registry.Count() == 1 }, time.Second, 10*time.Millisecond)

	writerConn, writerReader := dial(t, leader.Addr())
	send(t, writerConn, "SET", "k", "v")
	_, _, err := writerReader.ReadValue()
	require.NoError(t, err)

	waiterConn, waiterReader := dial(t, leader.Addr())
	start := time.Now()
	send(t, waiterConn, "WAIT", "1", "5000")
	v, _, err := waiterReader.ReadValue()
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "WAIT from a connection with no pending writes must not block")
	assert.Equal(t, resp.Integer, v.Kind)
	assert.Equal(t, int64(1), v.Int)
}
