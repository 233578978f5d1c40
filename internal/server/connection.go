package server

import (
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"redikv/internal/command"
	"redikv/internal/replication"
	"redikv/internal/resp"
)

// conn wraps a single client TCP connection. It implements
// replication.Writer so the same connection can be handed to the
// replication registry once it becomes a follower connection, with writes
// from propagation and any direct reply serialized through one mutex.
type conn struct {
	id         int64
	nc         net.Conn
	wmu        sync.Mutex
	isFollower bool

	listeningPort string // set by REPLCONF listening-port, reported in INFO

	// pendingWritesSinceWait counts writes this connection has propagated
	// since its own last WAIT call. Read and written only from the single
	// goroutine that processes this connection's commands, so it needs no
	// lock of its own.
	pendingWritesSinceWait int64
}

func (c *conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.nc.Write(p)
}

func (s *Server) handleConnection(id int64, nc net.Conn) {
	defer nc.Close()
	c := &conn{id: id, nc: nc}
	reader := resp.NewReader(nc)

	log := s.log.WithField("conn", id)
	log.Debug("connection accepted")

	for {
		v, _, err := reader.ReadValue()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Debug("connection read error")
			}
			if c.isFollower {
				s.registry.Remove(c.id)
			}
			return
		}

		cmd, err := command.Parse(v)
		if err != nil {
			_, _ = c.Write(resp.EncodeError("ERR " + err.Error()))
			continue
		}

		s.dispatch(c, cmd, log)
	}
}

func (s *Server) dispatch(c *conn, cmd *command.Command, log *logrus.Entry) {
	switch cmd.Name {
	case command.Ping:
		_, _ = c.Write(resp.EncodeSimpleString("PONG"))

	case command.Echo:
		_, _ = c.Write(resp.EncodeBulkString(cmd.Args[0]))

	case command.Set:
		s.handleSet(c, cmd)

	case command.Get:
		s.handleGet(c, cmd)

	case command.Info:
		_, _ = c.Write(resp.EncodeBulkString(s.buildInfo()))

	case command.ReplConf:
		s.handleReplConf(c, cmd)

	case command.PSync:
		s.handlePSync(c)

	case command.Wait:
		s.handleWait(c, cmd)

	default:
		_, _ = c.Write(resp.EncodeError("ERR unknown command '" + string(cmd.Name) + "'"))
	}
}

func (s *Server) handleSet(c *conn, cmd *command.Command) {
	if len(cmd.Args) < 2 {
		_, _ = c.Write(resp.EncodeError("ERR wrong number of arguments for 'set' command"))
		return
	}

	var ttl time.Duration
	if ms, ok, err := cmd.SetExpiryMillis(); err != nil {
		_, _ = c.Write(resp.EncodeError("ERR " + err.Error()))
		return
	} else if ok {
		ttl = time.Duration(ms) * time.Millisecond
	}

	s.store.Set(cmd.Args[0], cmd.Args[1], ttl)
	_, _ = c.Write(resp.EncodeSimpleString("OK"))

	n := s.registry.Propagate(cmd, c.id)
	s.masterOffset.Add(int64(n))
	c.pendingWritesSinceWait++
}

func (s *Server) handleGet(c *conn, cmd *command.Command) {
	value, ok := s.store.Get(cmd.Args[0])
	if !ok {
		_, _ = c.Write(resp.EncodeNullBulkString())
		return
	}
	_, _ = c.Write(resp.EncodeBulkString(value))
}

func (s *Server) handleReplConf(c *conn, cmd *command.Command) {
	if len(cmd.Args) == 0 {
		_, _ = c.Write(resp.EncodeError("ERR REPLCONF requires a sub-argument"))
		return
	}

	sub := strings.ToUpper(cmd.Args[0])
	switch sub {
	case "LISTENING-PORT":
		if len(cmd.Args) >= 2 {
			c.listeningPort = cmd.Args[1]
		}
		_, _ = c.Write(resp.EncodeSimpleString("OK"))

	case "CAPA":
		_, _ = c.Write(resp.EncodeSimpleString("OK"))

	case "ACK":
		if len(cmd.Args) < 2 {
			return
		}
		offset, err := strconv.ParseInt(cmd.Args[1], 10, 64)
		if err != nil {
			return
		}
		s.registry.UpdateAck(c.id, offset)
		// No reply: ACK is a one-way report, matching a real Redis
		// leader's behavior on this sub-command.

	case "GETACK":
		// A server only ever originates GETACK towards followers; it
		// does not expect to receive one from a connected client.
		_, _ = c.Write(resp.EncodeError("ERR unexpected REPLCONF GETACK"))

	default:
		_, _ = c.Write(resp.EncodeError("ERR unknown REPLCONF option"))
	}
}

func (s *Server) handlePSync(c *conn) {
	_, err := s.registry.AcceptHandshake(c.id, c, c.listeningPort, s.cfg.ReplRateLimitBytes)
	if err != nil {
		s.log.WithField("conn", c.id).WithError(err).Warn("handshake failed")
		return
	}
	c.isFollower = true
}

// handleWait implements the WAIT coordinator. A connection that hasn't
// propagated a write since its own last WAIT call has nothing to wait for:
// it gets the registered-follower count back immediately, without running
// the GETACK round trip, regardless of whether some other connection's
// writes are still unacknowledged.
func (s *Server) handleWait(c *conn, cmd *command.Command) {
	numReplicas, err1 := strconv.Atoi(cmd.Args[0])
	timeoutMs, err2 := strconv.ParseInt(cmd.Args[1], 10, 64)
	if err1 != nil || err2 != nil {
		_, _ = c.Write(resp.EncodeError("ERR value is not an integer or out of range"))
		return
	}

	if c.pendingWritesSinceWait == 0 {
		_, _ = c.Write(resp.EncodeInteger(int64(s.registry.Count())))
		return
	}

	target := s.masterOffset.Load()
	count := s.waitForAcks(numReplicas, timeoutMs, target)
	c.pendingWritesSinceWait = 0
	_, _ = c.Write(resp.EncodeInteger(int64(count)))
}

// waitForAcks blocks until at least numReplicas followers have
// acknowledged target, or timeoutMs elapses, whichever comes first.
func (s *Server) waitForAcks(numReplicas int, timeoutMs int64, target int64) int {
	if s.registry.Count() == 0 {
		return 0
	}

	getack := (&command.Command{Name: command.ReplConf, Args: []string{"GETACK", "*"}}).Serialize()
	s.registry.Broadcast(getack)

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return s.registry.CountAcked(target)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-s.registry.AckNotify:
			timer.Stop()
			if count := s.registry.CountAcked(target); count >= numReplicas {
				return count
			}
		case <-timer.C:
			return s.registry.CountAcked(target)
		}
	}
}

var _ replication.Writer = (*conn)(nil)
