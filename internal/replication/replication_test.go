package replication

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redikv/internal/command"
)

type bufWriter struct {
	buf bytes.Buffer
}

func (w *bufWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func TestAcceptHandshakeWritesFullresyncAndSnapshot(t *testing.T) {
	r := NewRegistry()
	w := &bufWriter{}

	f, err := r.AcceptHandshake(1, w, "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.ID)

	out := w.buf.String()
	assert.Contains(t, out, "+FULLRESYNC "+r.ReplID()+" 0\r\n")
	assert.Contains(t, out, "$"+strconv.Itoa(len(emptyRDB))+"\r\n")
	assert.Equal(t, 1, r.Count())
}

func TestPropagateSkipsOriginatingConnection(t *testing.T) {
	r := NewRegistry()
	w1 := &bufWriter{}
	w2 := &bufWriter{}
	_, err := r.AcceptHandshake(1, w1, "", 0)
	require.NoError(t, err)
	_, err = r.AcceptHandshake(2, w2, "", 0)
	require.NoError(t, err)

	w1.buf.Reset()
	w2.buf.Reset()

	cmd := &command.Command{Name: command.Set, Args: []string{"k", "v"}}
	r.Propagate(cmd, 1)

	assert.Empty(t, w1.buf.String(), "connection 1 originated the write and should not see it echoed back")
	assert.Equal(t, string(cmd.Serialize()), w2.buf.String())
}

func TestRemoveDropsFollower(t *testing.T) {
	r := NewRegistry()
	w := &bufWriter{}
	_, err := r.AcceptHandshake(1, w, "", 0)
	require.NoError(t, err)
	require.Equal(t, 1, r.Count())

	r.Remove(1)
	assert.Equal(t, 0, r.Count())
}

func TestUpdateAckAndCountAcked(t *testing.T) {
	r := NewRegistry()
	w := &bufWriter{}
	_, err := r.AcceptHandshake(1, w, "", 0)
	require.NoError(t, err)

	assert.Equal(t, 0, r.CountAcked(10))

	r.UpdateAck(1, 10)
	assert.Equal(t, 1, r.CountAcked(10))
	assert.Equal(t, 0, r.CountAcked(11))

	select {
	case id := <-r.AckNotify:
		assert.Equal(t, int64(1), id)
	default:
		t.Fatal("expected an ack notification")
	}
}
