package replication

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"redikv/internal/command"
	"redikv/internal/resp"
	"redikv/internal/store"
)

// Client is the follower side of a leader/follower pair: it owns the TCP
// connection to the leader, runs the handshake, and then continuously
// applies the propagated command stream to a local Store.
type Client struct {
	conn   net.Conn
	reader *resp.Reader

	mu     sync.Mutex
	offset int64
}

// Dial connects to the leader at addr and runs the full handshake:
// PING, REPLCONF listening-port, REPLCONF capa psync2, PSYNC ? -1, then
// receives and discards the snapshot. listenPort is this follower's own
// listening port, reported so the leader's INFO can describe it.
func Dial(addr string, listenPort int) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("replication: dial leader: %w", err)
	}

	c := &Client{conn: conn, reader: resp.NewReader(bufio.NewReader(conn))}
	if err := c.handshake(listenPort); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(listenPort int) error {
	steps := [][]string{
		{"PING"},
		{"REPLCONF", "listening-port", strconv.Itoa(listenPort)},
		{"REPLCONF", "capa", "psync2"},
	}
	for _, args := range steps {
		if _, err := c.conn.Write(resp.EncodeArray(args)); err != nil {
			return fmt.Errorf("replication: handshake write %v: %w", args, err)
		}
		if _, _, err := c.reader.ReadValue(); err != nil {
			return fmt.Errorf("replication: handshake reply to %v: %w", args, err)
		}
	}

	if _, err := c.conn.Write(resp.EncodeArray([]string{"PSYNC", "?", "-1"})); err != nil {
		return fmt.Errorf("replication: handshake write PSYNC: %w", err)
	}
	reply, _, err := c.reader.ReadValue()
	if err != nil {
		return fmt.Errorf("replication: reading FULLRESYNC reply: %w", err)
	}
	if reply.Kind != resp.SimpleString || !strings.HasPrefix(reply.Str, "FULLRESYNC") {
		return fmt.Errorf("replication: unexpected PSYNC reply %q", reply.Str)
	}

	length, err := c.readSnapshotLength()
	if err != nil {
		return err
	}
	if err := ReadSnapshot(c.reader, length); err != nil {
		return fmt.Errorf("replication: reading snapshot body: %w", err)
	}
	return nil
}

// readSnapshotLength reads the "$<n>\r\n" header the leader sends ahead of
// the raw snapshot bytes. It is deliberately not routed through
// Reader.ReadValue, which would try to consume a trailing CRLF this frame
// does not have.
func (c *Client) readSnapshotLength() (int, error) {
	line, err := c.reader.ReadRawLine()
	if err != nil {
		return 0, fmt.Errorf("replication: reading snapshot header: %w", err)
	}
	if len(line) == 0 || line[0] != '$' {
		return 0, fmt.Errorf("replication: expected snapshot header, got %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return 0, fmt.Errorf("replication: invalid snapshot length %q: %w", line, err)
	}
	return n, nil
}

// Stream applies the leader's propagated command stream to st until the
// connection closes or ctx-like cancellation happens via closing Client.
// Every frame's byte length is added to the tracked offset before the
// command is applied, except REPLCONF GETACK requests, which must be
// acknowledged with the offset as of just before that frame (§9).
func (c *Client) Stream(st *store.Store) error {
	for {
		v, n, err := c.reader.ReadValue()
		if err != nil {
			return err
		}

		cmd, err := command.Parse(v)
		if err != nil {
			c.advance(int64(n))
			continue
		}

		if cmd.Name == command.ReplConf && len(cmd.Args) >= 1 && strings.EqualFold(cmd.Args[0], "GETACK") {
			ack := c.Offset()
			if err := c.sendAck(ack); err != nil {
				return err
			}
			c.advance(int64(n))
			continue
		}

		if cmd.Name == command.Ping {
			c.advance(int64(n))
			continue
		}

		c.advance(int64(n))
		if cmd.IsWrite() {
			applySet(st, cmd)
		}
	}
}

func (c *Client) sendAck(offset int64) error {
	_, err := c.conn.Write(resp.EncodeArray([]string{"REPLCONF", "ACK", strconv.FormatInt(offset, 10)}))
	return err
}

func (c *Client) advance(n int64) {
	c.mu.Lock()
	c.offset += n
	c.mu.Unlock()
}

// Offset returns the number of replication-stream bytes applied so far.
func (c *Client) Offset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// Close closes the underlying connection to the leader.
func (c *Client) Close() error {
	return c.conn.Close()
}

func applySet(st *store.Store, cmd *command.Command) {
	var ttl time.Duration
	if ms, ok, err := cmd.SetExpiryMillis(); err == nil && ok {
		ttl = time.Duration(ms) * time.Millisecond
	}
	if len(cmd.Args) >= 2 {
		st.Set(cmd.Args[0], cmd.Args[1], ttl)
	}
}
