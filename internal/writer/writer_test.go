package writer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brickbridge/stackbridged/internal/ioconn"
	"github.com/brickbridge/stackbridged/internal/logging"
	"github.com/brickbridge/stackbridged/internal/reactor"
)

// blockingSink always reports WouldBlock, forcing everything into the
// backlog, so backpressure/overflow behavior can be tested without a real
// socket.
type blockingSink struct {
	writeHandle int
}

func (b *blockingSink) Read([]byte) (int, error)  { return 0, nil }
func (b *blockingSink) Write([]byte) (int, error) { return 0, ioconn.ErrWouldBlock }
func (b *blockingSink) ReadHandle() int           { return b.writeHandle }
func (b *blockingSink) WriteHandle() int          { return b.writeHandle }
func (b *blockingSink) Status() (string, error)   { return "", nil }
func (b *blockingSink) Close() error              { return nil }

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	return r
}

func TestWriteBacklogOverflowDropsOldest(t *testing.T) {
	r := newTestReactor(t)
	sink := &blockingSink{writeHandle: 99}
	disconnected := false

	w := New(sink, r, logging.NewDiscard(), "test-sink", func() { disconnected = true })

	const total = 40000
	for i := 0; i < total; i++ {
		res := w.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
		require.Equal(t, ResultEnqueued, res)
	}

	assert.Equal(t, MaxQueuedWrites, w.BacklogLen())
	assert.Equal(t, uint64(total-MaxQueuedWrites), w.DroppedPackets())
	assert.False(t, disconnected)
}

// completingSink succeeds fully after the first N WouldBlock responses,
// exercising the "drain backlog in order" path.
type completingSink struct {
	writeHandle int
	blockUntil  int
	calls       int
	written     [][]byte
}

func (c *completingSink) Read([]byte) (int, error) { return 0, nil }
func (c *completingSink) Write(buf []byte) (int, error) {
	c.calls++
	if c.calls <= c.blockUntil {
		return 0, ioconn.ErrWouldBlock
	}
	owned := append([]byte(nil), buf...)
	c.written = append(c.written, owned)
	return len(buf), nil
}
func (c *completingSink) ReadHandle() int         { return c.writeHandle }
func (c *completingSink) WriteHandle() int        { return c.writeHandle }
func (c *completingSink) Status() (string, error) { return "", nil }
func (c *completingSink) Close() error            { return nil }

func TestWriteOrderPreservedAfterBacklogDrains(t *testing.T) {
	r := newTestReactor(t)
	sink := &completingSink{writeHandle: 5, blockUntil: 1}

	w := New(sink, r, logging.NewDiscard(), "test-sink", nil)

	res := w.Write([]byte{0xA})
	require.Equal(t, ResultEnqueued, res)

	res = w.Write([]byte{0xB})
	require.Equal(t, ResultEnqueued, res)
	require.Equal(t, 2, w.BacklogLen())

	w.handleWriteReady(nil)
	require.Equal(t, 1, w.BacklogLen())

	w.handleWriteReady(nil)
	require.Equal(t, 0, w.BacklogLen())

	require.Len(t, sink.written, 2)
	assert.Equal(t, []byte{0xA}, sink.written[0])
	assert.Equal(t, []byte{0xB}, sink.written[1])
}

func TestWriteDisconnectsOnFatalError(t *testing.T) {
	r := newTestReactor(t)

	disconnected := false
	w := New(&erroringSink{}, r, logging.NewDiscard(), "test-sink", func() { disconnected = true })

	res := w.Write([]byte{1})
	assert.Equal(t, ResultFailed, res)
	assert.True(t, disconnected)
}

type erroringSink struct{}

func (erroringSink) Read([]byte) (int, error)  { return 0, nil }
func (erroringSink) Write([]byte) (int, error) { return 0, assertErr }
func (erroringSink) ReadHandle() int           { return 1 }
func (erroringSink) WriteHandle() int          { return 1 }
func (erroringSink) Status() (string, error)   { return "", nil }
func (erroringSink) Close() error              { return nil }

var assertErr = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }
