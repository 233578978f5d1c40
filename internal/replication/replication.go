// Package replication implements both sides of the protocol. On the leader
// side it tracks connected followers, runs the PSYNC handshake, and
// propagates writes to them in order; Client (replica.go) is the follower
// side.
package replication

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/time/rate"

	"redikv/internal/command"
	"redikv/internal/resp"
)

// emptyRDB is the fixed payload sent as the post-FULLRESYNC snapshot. Actual
// RDB persistence is out of scope (spec.md §1); a follower only needs to
// receive and discard this blob to complete the handshake, so it carries no
// real key data — just the minimal REDIS0011 header and EOF opcode with a
// trailing 8-byte checksum field of zero, which any RDB reader that checks
// it must be configured to accept (checksum disabled).
var emptyRDB = []byte{
	'R', 'E', 'D', 'I', 'S', '0', '0', '1', '1',
	0xFF,
	0, 0, 0, 0, 0, 0, 0, 0,
}

// Writer is the subset of net.Conn a Follower needs: a synchronized byte
// sink. The connection layer supplies one per follower so that propagated
// writes and any direct reply to that connection never interleave.
type Writer interface {
	Write(p []byte) (int, error)
}

// Follower is a connected replica as seen from the leader side.
type Follower struct {
	// ID is the connection ID that accepted this follower's PSYNC — stable
	// for the lifetime of the connection, used to avoid propagating a
	// command back to the connection that wrote it.
	ID int64

	// ListeningPort is the value reported via REPLCONF listening-port
	// during the handshake, surfaced in INFO for operator visibility.
	ListeningPort string

	mu      sync.Mutex
	w       Writer
	limiter *rate.Limiter // nil when unthrottled

	// ackOffset is the last offset this follower has acknowledged via
	// REPLCONF ACK, updated by the connection loop that reads its replies.
	ackOffset int64
}

// Ack returns the follower's most recently acknowledged offset.
func (f *Follower) Ack() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ackOffset
}

// NewFollower wraps w as a Follower. rateLimitBytes <= 0 disables
// throttling, matching the bypass convention used throughout this codebase
// for optional rate limits.
func NewFollower(id int64, w Writer, listeningPort string, rateLimitBytes int64) *Follower {
	f := &Follower{ID: id, w: w, ListeningPort: listeningPort}
	if rateLimitBytes > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(rateLimitBytes), int(rateLimitBytes))
	}
	return f
}

// Send writes p to the follower, blocking on the rate limiter (if any) and
// serializing against concurrent writers of the same connection.
func (f *Follower) Send(p []byte) error {
	if f.limiter != nil {
		if err := f.limiter.WaitN(context.Background(), len(p)); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.w.Write(p)
	return err
}

// Registry tracks the set of currently connected followers in the order
// they completed their handshake. A write holds the lock only long enough
// to mutate the map or take a snapshot; propagation itself happens outside
// the lock so a slow follower cannot stall new handshakes.
type Registry struct {
	mu     sync.RWMutex
	order  []int64
	byID   map[int64]*Follower
	replID string

	// AckNotify receives a follower ID whenever that follower's AckOffset
	// advances. WAIT coordination selects on this instead of polling.
	AckNotify chan int64
}

// NewRegistry creates an empty registry with a freshly generated
// replication ID.
func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[int64]*Follower),
		replID:    generateReplID(),
		AckNotify: make(chan int64, 64),
	}
}

// UpdateAck records offset as the given follower's most recently
// acknowledged offset and wakes any WAIT coordinator watching AckNotify.
func (r *Registry) UpdateAck(id int64, offset int64) {
	r.mu.RLock()
	f, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	f.mu.Lock()
	f.ackOffset = offset
	f.mu.Unlock()

	select {
	case r.AckNotify <- id:
	default:
	}
}

// CountAcked returns how many registered followers have acknowledged at
// least targetOffset.
func (r *Registry) CountAcked(targetOffset int64) int {
	count := 0
	for _, f := range r.Snapshot() {
		f.mu.Lock()
		acked := f.ackOffset
		f.mu.Unlock()
		if acked >= targetOffset {
			count++
		}
	}
	return count
}

// ReplID is this leader's 40-character hex replication ID, stable for the
// life of the process.
func (r *Registry) ReplID() string {
	return r.replID
}

// Add registers f. If a follower with the same ID is already registered it
// is replaced (a reconnect on the same connection ID is not expected in
// practice, but Add is idempotent regardless).
func (r *Registry) Add(f *Follower) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[f.ID]; !exists {
		r.order = append(r.order, f.ID)
	}
	r.byID[f.ID] = f
}

// Remove drops the follower with the given ID, if present.
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Snapshot returns the currently registered followers in handshake order.
// The caller must not retain the slice across a subsequent Add/Remove.
func (r *Registry) Snapshot() []*Follower {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Follower, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Count returns the number of currently registered followers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Propagate encodes cmd once and fans it out, in registration order, to
// every follower except the one identified by fromID (the connection that
// originated the write, which never needs its own command echoed back —
// spec.md §4.7's cyclic-ownership avoidance). It returns the number of
// bytes the encoded command occupies, used by callers that track a master
// replication offset.
func (r *Registry) Propagate(cmd *command.Command, fromID int64) int {
	encoded := cmd.Serialize()
	for _, f := range r.Snapshot() {
		if f.ID == fromID {
			continue
		}
		_ = f.Send(encoded)
	}
	return len(encoded)
}

// Broadcast writes encoded to every registered follower unconditionally —
// used for REPLCONF GETACK, which every follower must answer regardless of
// which connection triggered the WAIT that requested it.
func (r *Registry) Broadcast(encoded []byte) {
	for _, f := range r.Snapshot() {
		_ = f.Send(encoded)
	}
}

// AcceptHandshake runs the leader side of the PSYNC exchange on w, which
// must already have seen the REPLCONF listening-port and REPLCONF capa
// steps (those are plain commands handled by the connection loop like any
// other). It writes the FULLRESYNC reply and the snapshot bulk frame, then
// registers and returns the new Follower.
//
// The offset in the FULLRESYNC reply is always the literal 0: a new
// follower starts counting from the snapshot it just received, not from
// whatever write traffic the leader has produced so far. The leader's own
// running offset (used only for WAIT and propagation bookkeeping) is a
// separate counter the caller tracks and never sends here.
func (r *Registry) AcceptHandshake(id int64, w Writer, listeningPort string, rateLimitBytes int64) (*Follower, error) {
	resync := resp.EncodeSimpleString(fmt.Sprintf("FULLRESYNC %s 0", r.replID))
	if _, err := w.Write(resync); err != nil {
		return nil, err
	}
	if _, err := w.Write(resp.EncodeRawSnapshot(emptyRDB)); err != nil {
		return nil, err
	}

	f := NewFollower(id, w, listeningPort, rateLimitBytes)
	r.Add(f)
	return f, nil
}

func generateReplID() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable for anything
		// that wants real randomness; a fixed fallback ID keeps the
		// server usable rather than panicking on startup.
		return "0000000000000000000000000000000000000000"
	}
	return hex.EncodeToString(buf)
}

// ReadSnapshot reads and discards the RDB snapshot frame a leader sends
// right after FULLRESYNC: a bulk-length header with no trailing CRLF. The
// header itself must already have been consumed as a regular line by the
// caller (it is not a normal ReadValue, since ReadValue would expect a
// trailing CRLF after the payload that this frame does not have).
func ReadSnapshot(r *resp.Reader, length int) error {
	_, err := r.ReadSnapshot(length)
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
