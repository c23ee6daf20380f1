package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brickbridge/stackbridged/internal/logging"
	"github.com/brickbridge/stackbridged/internal/reactor"
	"github.com/brickbridge/stackbridged/internal/stack"
	"github.com/brickbridge/stackbridged/internal/tfp"
)

type fakeClient struct {
	sig          string
	disconnected bool
	canReceive   bool
	delivered    []tfp.Packet
}

func (f *fakeClient) Signature() string             { return f.sig }
func (f *fakeClient) Disconnected() bool            { return f.disconnected }
func (f *fakeClient) CanReceiveUnsolicited() bool   { return f.canReceive }
func (f *fakeClient) Deliver(resp tfp.Packet)       { f.delivered = append(f.delivered, resp) }

type fakeStack struct {
	name       string
	recipients stack.Table
	accept     bool
}

func (s *fakeStack) Name() string              { return s.name }
func (s *fakeStack) Recipients() *stack.Table  { return &s.recipients }
func (s *fakeStack) DispatchRequest(tfp.Packet, stack.Recipient) bool {
	return s.accept
}

func newTestCore(t *testing.T, grace time.Duration) *Core {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	core, err := New(r, logging.NewDiscard(), grace)
	require.NoError(t, err)
	return core
}

func reqHeader(uid uint32, fn, seq uint8) tfp.Header {
	return tfp.Header{UID: uid, Length: 8, FunctionID: fn, SequenceNumberAndOptions: tfp.MakeOptions(seq, true)}
}

func TestResponseCorrelationAcrossManyClients(t *testing.T) {
	core := newTestCore(t, time.Second)

	clients := []*fakeClient{
		{sig: "c1", canReceive: true},
		{sig: "c2", canReceive: true},
		{sig: "c3", canReceive: true},
	}
	for _, c := range clients {
		core.RegisterClient(c)
		pr := core.ClientExpectsResponse(c, reqHeader(10, 5, 1))
		_ = pr
	}

	require.Equal(t, 3, core.GlobalPendingCount())

	for i := 0; i < 3; i++ {
		core.NetworkDispatchResponse(tfp.Packet{Header: reqHeader(10, 5, 1)})
	}

	assert.Equal(t, 0, core.GlobalPendingCount())
	for _, c := range clients {
		assert.Len(t, c.delivered, 1, "client %s should receive exactly one response", c.sig)
	}
}

func TestZombieConsumptionAfterDisconnect(t *testing.T) {
	core := newTestCore(t, 50*time.Millisecond)

	c := &fakeClient{sig: "c", canReceive: true}
	core.RegisterClient(c)
	core.ClientExpectsResponse(c, reqHeader(20, 7, 7))
	require.Equal(t, 1, core.ClientPendingCount(c))

	c.disconnected = true
	core.ClientDisconnected(c)

	require.Equal(t, 1, core.ZombieCount())
	require.Equal(t, 1, core.GlobalPendingCount())

	core.NetworkDispatchResponse(tfp.Packet{Header: reqHeader(20, 7, 7)})

	assert.Empty(t, c.delivered, "a zombified pending request must never be delivered")
	assert.Equal(t, 0, core.GlobalPendingCount())
}

func TestZombieExpiresAfterGracePeriod(t *testing.T) {
	core := newTestCore(t, 20*time.Millisecond)

	c := &fakeClient{sig: "c", canReceive: true}
	core.RegisterClient(c)
	core.ClientExpectsResponse(c, reqHeader(30, 1, 1))
	c.disconnected = true
	core.ClientDisconnected(c)

	require.Equal(t, 1, core.ZombieCount())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		core.drainExpiredZombies()
		if core.ZombieCount() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, 0, core.ZombieCount())
	assert.Equal(t, 0, core.GlobalPendingCount())
}

func TestHardwareDispatchRequestNoStackSynthesizesError(t *testing.T) {
	core := newTestCore(t, time.Second)

	c := &fakeClient{sig: "c", canReceive: true}
	core.RegisterClient(c)

	h := reqHeader(99, 3, 4)
	pr := core.ClientExpectsResponse(c, h)
	core.HardwareDispatchRequest(tfp.Packet{Header: h}, pr, c)

	require.Len(t, c.delivered, 1)
	assert.Equal(t, uint8(tfp.ErrorCodeFunctionNotSupport), c.delivered[0].Header.ErrorCode())
	assert.Equal(t, 0, core.GlobalPendingCount())
}

func TestHardwareDispatchRequestUnacceptedRemovesPending(t *testing.T) {
	core := newTestCore(t, time.Second)

	c := &fakeClient{sig: "c", canReceive: true}
	core.RegisterClient(c)

	s := &fakeStack{name: "s", accept: false}
	s.recipients.Add(42, nil)
	core.AddStack(s)

	h := reqHeader(42, 3, 4)
	pr := core.ClientExpectsResponse(c, h)
	core.HardwareDispatchRequest(tfp.Packet{Header: h}, pr, c)

	assert.Equal(t, 0, core.GlobalPendingCount())
	assert.Empty(t, c.delivered)
}

func TestBroadcastDeliveredToEveryAuthenticatedClientOnce(t *testing.T) {
	core := newTestCore(t, time.Second)

	authed := &fakeClient{sig: "authed", canReceive: true}
	unauthed := &fakeClient{sig: "unauthed", canReceive: false}
	core.RegisterClient(authed)
	core.RegisterClient(unauthed)

	broadcast := tfp.Packet{Header: reqHeader(5, 253, 0)}
	core.NetworkDispatchResponse(broadcast)

	assert.Len(t, authed.delivered, 1)
	assert.Empty(t, unauthed.delivered)
}
