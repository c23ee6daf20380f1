package rs485

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brickbridge/stackbridged/internal/logging"
	"github.com/brickbridge/stackbridged/internal/persist"
	"github.com/brickbridge/stackbridged/internal/reactor"
	"github.com/brickbridge/stackbridged/internal/routing"
	"github.com/brickbridge/stackbridged/internal/stack"
	"github.com/brickbridge/stackbridged/internal/tfp"
)

func newTestMaster(addrs ...uint8) *Master {
	slaves := make([]*slaveState, len(addrs))
	for i, a := range addrs {
		slaves[i] = &slaveState{address: a}
	}
	return &Master{cfg: Config{Baud: 9600}, slaves: slaves, recipients: &stack.Table{}}
}

func TestDispatchRequestEnqueuesOnMatchingSlave(t *testing.T) {
	m := newTestMaster(1, 2, 3)

	pkt := tfp.Packet{Header: tfp.Header{UID: 99, Length: tfp.HeaderLength}}
	ok := m.DispatchRequest(pkt, stack.Recipient{UID: 99, Opaque: uint8(2)})
	assert.True(t, ok)

	assert.Empty(t, m.slaveByAddress(1).queue)
	assert.Len(t, m.slaveByAddress(2).queue, 1)
	assert.Equal(t, TriesData, m.slaveByAddress(2).queue[0].triesLeft)
	assert.Empty(t, m.slaveByAddress(3).queue)
}

func TestDispatchRequestRejectsUnknownSlave(t *testing.T) {
	m := newTestMaster(1)
	ok := m.DispatchRequest(tfp.Packet{}, stack.Recipient{Opaque: uint8(99)})
	assert.False(t, ok)
}

func TestDispatchRequestRejectsWrongOpaqueType(t *testing.T) {
	m := newTestMaster(1)
	ok := m.DispatchRequest(tfp.Packet{}, stack.Recipient{Opaque: "not-a-uint8"})
	assert.False(t, ok)
}

func TestBroadcastToAllSlavesEnqueuesOnEveryQueue(t *testing.T) {
	m := newTestMaster(1, 2, 3)
	m.BroadcastToAllSlaves(tfp.Packet{Header: tfp.Header{UID: 0}})

	for _, addr := range []uint8{1, 2, 3} {
		assert.Len(t, m.slaveByAddress(addr).queue, 1)
	}
}

// TestCRCFailureAdvancesWithoutDelivery is spec.md §8 scenario 5: the
// master polls a slave, the echo checks out, but the payload's CRC is
// wrong. The CRC-error counter must increment, the scheduler must move on
// to the next slave after the inter-poll delay, and nothing must reach
// the routing core.
func TestCRCFailureAdvancesWithoutDelivery(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Stop() })

	counter, err := persist.LoadCRCCounter(filepath.Join(t.TempDir(), "crc-errors"))
	require.NoError(t, err)

	timer, err := newFrameTimer(r, "test-timer", func() {})
	require.NoError(t, err)
	t.Cleanup(timer.close)

	m := &Master{
		cfg:        Config{Baud: 9600, PollDelay: 5 * time.Millisecond},
		log:        logging.NewDiscard(),
		recipients: &stack.Table{},
		slaves:     []*slaveState{{address: 4}, {address: 5}},
		current:    0,
		timer:      timer,
		crcCounter: counter,
	}

	reply := encode(emptyPollFrame(4, 0))
	reply[3] ^= 0x01 // corrupt a header byte inside the CRC-covered region

	m.rxBuf = reply
	m.awaitingEcho = true
	m.echoVerified = true
	m.txKind = kindPoll

	m.processRx()

	assert.Equal(t, uint64(1), counter.Count())
	assert.Equal(t, 1, m.current, "scheduler should advance to the next slave")
	assert.True(t, m.inDelay, "advance should arm the inter-poll delay rather than dispatch immediately")
}

// TestHandleDataReplyDeliversOnDataExchangeToo guards against a
// regression where delivery was gated on the exchange having been a poll
// (m.txKind == kindPoll). A sequence-matching data reply to a
// master-initiated data request must be delivered just the same, and the
// queue head it's replying to must still be replaced with an ACK.
func TestHandleDataReplyDeliversOnDataExchangeToo(t *testing.T) {
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Stop() })

	log := logging.NewDiscard()
	core, err := routing.New(r, log, time.Second)
	require.NoError(t, err)

	timer, err := newFrameTimer(r, "test-timer", func() {})
	require.NoError(t, err)
	t.Cleanup(timer.close)

	s := &slaveState{address: 4, sequence: 7}
	s.queue = []queuedFrame{{kind: kindData, triesLeft: TriesData}}

	m := &Master{
		cfg:        Config{Baud: 9600, PollDelay: 5 * time.Millisecond},
		log:        log,
		routing:    core,
		recipients: &stack.Table{},
		slaves:     []*slaveState{s},
		current:    0,
		timer:      timer,
		txKind:     kindData,
	}

	reply := tfp.Packet{Header: tfp.Header{UID: 0xC0FFEE, Length: tfp.HeaderLength}}
	m.handleDataReply(s, decoded{slaveAddress: 4, functionCode: FunctionCode, sequence: 7, packet: reply})

	recipient, ok := m.recipients.Get(0xC0FFEE)
	assert.True(t, ok, "reply uid should be published as a recipient of this slave")
	assert.Equal(t, uint8(4), recipient.Opaque)

	require.Len(t, s.queue, 1)
	assert.Equal(t, kindAck, s.queue[0].kind, "queue head should be replaced with an ACK regardless of delivery")
}

func TestFrameTimeoutScalesWithBaud(t *testing.T) {
	slow := &Master{cfg: Config{Baud: 9600}}
	fast := &Master{cfg: Config{Baud: 115200}}

	assert.Greater(t, slow.frameTimeout(), fast.frameTimeout())
	assert.Greater(t, slow.frameTimeout(), 8*time.Millisecond)
}
