package reactor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAddSourceRejectsDuplicate(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.poll.close()

	rPipe, wPipe, err := os.Pipe()
	require.NoError(t, err)
	defer rPipe.Close()
	defer wPipe.Close()

	fd := int(rPipe.Fd())
	require.NoError(t, r.AddSource(fd, SourceTypeGeneric, "test", EventRead, func(interface{}) {}, nil))
	require.ErrorIs(t, r.AddSource(fd, SourceTypeGeneric, "test", EventRead, func(interface{}) {}, nil), ErrAlreadyAdded)
}

func TestRemoveThenReaddRevives(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.poll.close()

	rPipe, wPipe, err := os.Pipe()
	require.NoError(t, err)
	defer rPipe.Close()
	defer wPipe.Close()

	fd := int(rPipe.Fd())
	require.NoError(t, r.AddSource(fd, SourceTypeGeneric, "test", EventRead, func(interface{}) {}, nil))
	require.NoError(t, r.RemoveSource(fd, SourceTypeGeneric))

	called := false
	require.NoError(t, r.AddSource(fd, SourceTypeGeneric, "test-revived", EventRead, func(interface{}) { called = true }, nil))

	r.mu.Lock()
	s := r.sources[key{fd, SourceTypeGeneric}]
	state := s.state
	r.mu.Unlock()
	require.Equal(t, stateReadded, state)

	_ = called
}

func TestRunDispatchesAndStops(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	rPipe, wPipe, err := os.Pipe()
	require.NoError(t, err)
	defer rPipe.Close()
	defer wPipe.Close()

	fd := int(rPipe.Fd())
	readCh := make(chan struct{}, 1)
	require.NoError(t, r.AddSource(fd, SourceTypeGeneric, "readable", EventRead, func(interface{}) {
		var b [1]byte
		_, _ = unix.Read(fd, b[:])
		select {
		case readCh <- struct{}{}:
		default:
		}
	}, nil))

	done := make(chan error, 1)
	go func() { done <- r.Run(nil) }()

	_, err = wPipe.Write([]byte{'x'})
	require.NoError(t, err)

	select {
	case <-readCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read callback")
	}

	require.NoError(t, r.Stop())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return after Stop")
	}
}

func TestDispatchDedupsIdenticalReadWriteCallback(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.poll.close()

	rPipe, wPipe, err := os.Pipe()
	require.NoError(t, err)
	defer rPipe.Close()
	defer wPipe.Close()

	fd := int(wPipe.Fd())
	calls := 0
	cb := func(interface{}) { calls++ }

	require.NoError(t, r.AddSource(fd, SourceTypeGeneric, "rw", EventRead|EventWrite, cb, "opaque"))

	r.mu.Lock()
	s := r.sources[key{fd, SourceTypeGeneric}]
	s.state = stateNormal
	r.mu.Unlock()

	r.dispatchOne(readyEvent{handle: fd, events: EventRead | EventWrite})

	require.Equal(t, 1, calls, "identical read and write callbacks must fire once, not twice")
}
