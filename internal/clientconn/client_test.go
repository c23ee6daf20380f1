package clientconn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brickbridge/stackbridged/internal/ioconn"
	"github.com/brickbridge/stackbridged/internal/logging"
	"github.com/brickbridge/stackbridged/internal/reactor"
	"github.com/brickbridge/stackbridged/internal/routing"
	"github.com/brickbridge/stackbridged/internal/tfp"
)

// fakeIO is an in-memory loopback satisfying ioconn.IO, letting tests feed
// bytes to a Client's read path and capture what it writes back, without a
// real socket.
type fakeIO struct {
	toClient   []byte
	fromClient [][]byte
	closed     bool
}

func (f *fakeIO) Read(buf []byte) (int, error) {
	if len(f.toClient) == 0 {
		return 0, ioconn.ErrWouldBlock
	}
	n := copy(buf, f.toClient)
	f.toClient = f.toClient[n:]
	return n, nil
}

func (f *fakeIO) Write(buf []byte) (int, error) {
	owned := append([]byte(nil), buf...)
	f.fromClient = append(f.fromClient, owned)
	return len(buf), nil
}

func (f *fakeIO) ReadHandle() int         { return 1 }
func (f *fakeIO) WriteHandle() int        { return 1 }
func (f *fakeIO) Status() (string, error) { return "", nil }
func (f *fakeIO) Close() error            { f.closed = true; return nil }

func newTestCore(t *testing.T) *routing.Core {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	core, err := routing.New(r, logging.NewDiscard(), time.Second)
	require.NoError(t, err)
	return core
}

func newTestClient(t *testing.T, secret string) (*Client, *fakeIO) {
	t.Helper()
	io := &fakeIO{}
	core := newTestCore(t)
	r, err := reactor.New()
	require.NoError(t, err)
	c, err := New(io, r, core, logging.NewDiscard(), secret, nil)
	require.NoError(t, err)
	return c, io
}

func getAuthNonceRequest(seq uint8) []byte {
	return tfp.Encode(tfp.Packet{Header: tfp.Header{
		UID:                      tfp.DaemonUID,
		Length:                   8,
		FunctionID:               tfp.FunctionGetAuthenticationNonce,
		SequenceNumberAndOptions: tfp.MakeOptions(seq, true),
	}})
}

func authenticateRequest(seq uint8, clientNonce uint32, digest []byte) []byte {
	payload := make([]byte, 24)
	binary.LittleEndian.PutUint32(payload[0:4], clientNonce)
	copy(payload[4:24], digest)
	return tfp.Encode(tfp.Packet{
		Header: tfp.Header{
			UID:                      tfp.DaemonUID,
			Length:                   32,
			FunctionID:               tfp.FunctionAuthenticate,
			SequenceNumberAndOptions: tfp.MakeOptions(seq, true),
		},
		Payload: payload,
	})
}

func TestAuthenticatedRoundTrip(t *testing.T) {
	c, io := newTestClient(t, "s")

	io.toClient = append(io.toClient, getAuthNonceRequest(1)...)
	c.handleReadReady(nil)

	require.Equal(t, AuthNonceSent, c.AuthState())
	require.Len(t, io.fromClient, 1)

	nonceResp := tfp.Decode(io.fromClient[0])
	serverNonce := binary.LittleEndian.Uint32(nonceResp.Payload[0:4])

	clientNonce := uint32(0x10111213)
	mac := hmac.New(sha1.New, []byte("s"))
	var nonces [8]byte
	binary.LittleEndian.PutUint32(nonces[0:4], serverNonce)
	binary.LittleEndian.PutUint32(nonces[4:8], clientNonce)
	mac.Write(nonces[:])
	digest := mac.Sum(nil)

	io.toClient = append(io.toClient, authenticateRequest(2, clientNonce, digest)...)
	c.handleReadReady(nil)

	assert.Equal(t, AuthDone, c.AuthState())
	require.Len(t, io.fromClient, 2)
	successResp := tfp.Decode(io.fromClient[1])
	assert.Equal(t, uint8(tfp.ErrorCodeOK), successResp.Header.ErrorCode())
	assert.False(t, c.Disconnected())
}

func TestWrongSecretDisconnects(t *testing.T) {
	c, io := newTestClient(t, "s")

	io.toClient = append(io.toClient, getAuthNonceRequest(1)...)
	c.handleReadReady(nil)
	require.Equal(t, AuthNonceSent, c.AuthState())

	zeroDigest := make([]byte, 20)
	io.toClient = append(io.toClient, authenticateRequest(2, 0x10111213, zeroDigest)...)
	c.handleReadReady(nil)

	assert.True(t, c.Disconnected())
	require.Len(t, io.fromClient, 1, "no success response should be emitted on auth failure")
}

func TestDisconnectProbeSilentlyDropped(t *testing.T) {
	c, io := newTestClient(t, "")
	require.Equal(t, AuthDisabled, c.AuthState())

	probe := tfp.Encode(tfp.Packet{Header: tfp.Header{
		UID:                      tfp.DaemonUID,
		Length:                   8,
		FunctionID:               tfp.FunctionDisconnectProbe,
		SequenceNumberAndOptions: tfp.MakeOptions(1, false),
	}})
	io.toClient = append(io.toClient, probe...)
	c.handleReadReady(nil)

	assert.Empty(t, io.fromClient)
	assert.False(t, c.Disconnected())
}

func TestPeerCloseDisconnects(t *testing.T) {
	// A zero-byte read with no error means the peer closed the connection.
	zeroIO := &zeroReadIO{}
	r, err := reactor.New()
	require.NoError(t, err)
	core := newTestCore(t)
	zc, err := New(zeroIO, r, core, logging.NewDiscard(), "", nil)
	require.NoError(t, err)

	zc.handleReadReady(nil)
	assert.True(t, zc.Disconnected())
}

type zeroReadIO struct{ fakeIO }

func (z *zeroReadIO) Read([]byte) (int, error) { return 0, nil }

func TestBufferReassemblyAcrossPartialReads(t *testing.T) {
	c, io := newTestClient(t, "s")

	full := getAuthNonceRequest(1)
	io.toClient = append(io.toClient, full[:4]...)
	c.handleReadReady(nil)
	assert.Empty(t, io.fromClient, "incomplete header should not be dispatched yet")

	io.toClient = append(io.toClient, full[4:]...)
	c.handleReadReady(nil)
	assert.Len(t, io.fromClient, 1)
}
