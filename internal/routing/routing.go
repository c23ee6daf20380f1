// Package routing implements the request/response correlation engine: the
// global pending-request list, the per-stack recipient lookup, response
// matching, and the zombie mechanism that preserves in-flight correlation
// after a client disconnects. Grounded on
// original_source/src/brickd/client.c's client_dispatch_response and
// pending_request_remove_and_free, translated from intrusive
// doubly-linked lists to an owned slice with non-owning back-references
// nilled out before a node is dropped (see SPEC_FULL.md §4.5).
package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/brickbridge/stackbridged/internal/ioconn"
	"github.com/brickbridge/stackbridged/internal/logging"
	"github.com/brickbridge/stackbridged/internal/reactor"
	"github.com/brickbridge/stackbridged/internal/stack"
	"github.com/brickbridge/stackbridged/internal/tfp"
)

// ClientHandle is the narrow capability the routing core needs from a
// client connection: enough to decide whether it may receive unsolicited
// deliveries, and to hand it a response frame. clientconn.Client implements
// this so routing never imports clientconn (avoiding an import cycle; the
// dependency runs the other way, per spec.md's stated dependency order
// client → routing).
type ClientHandle interface {
	// Signature is a short human-readable identifier for log lines.
	Signature() string
	Disconnected() bool
	// CanReceiveUnsolicited reports whether the client's authentication
	// state is DISABLED or DONE.
	CanReceiveUnsolicited() bool
	// Deliver writes resp through the client's own buffered writer.
	Deliver(resp tfp.Packet)
}

// PendingRequest is a request dispatched toward hardware with
// response-expected set, awaiting a matching response. It is linked into
// exactly one global list position and owned by exactly one of (client,
// zombie) at a time.
type PendingRequest struct {
	Header    tfp.Header
	client    ClientHandle // nil once zombified
	zombie    *Zombie      // nil while owned by a client
	Timestamp time.Time
}

// Zombie holds pending requests whose originating client has disconnected,
// for a short grace period.
type Zombie struct {
	pending []*PendingRequest
	timerID int // not set; zombie expiry runs on a time.AfterFunc timer (zombie.go)
}

// Core owns the global pending-request list, the recipient tables of every
// registered stack, the zombie registry, and the set of connected clients
// (needed to fan broadcast callbacks out to every authenticated client).
type Core struct {
	mu sync.Mutex

	global        []*PendingRequest
	clientPending map[ClientHandle][]*PendingRequest
	clients       map[ClientHandle]struct{}
	stacks        []stack.Stack
	zombies       map[*Zombie]struct{}

	zombieGrace time.Duration
	reactor     *reactor.Reactor
	log         *logging.Logger

	expiryNotify *ioconn.Pipe
	expiredMu    sync.Mutex
	expiredQueue []*Zombie
}

// New creates a Core. zombieGrace is the grace period a Zombie's pending
// requests survive for (spec.md §9 leaves this an implementation
// constant; SPEC_FULL.md exposes it as Config.ZombieGrace, default 5s).
// It registers a GENERIC reactor source that observes zombie-expiry
// notifications written by background time.AfterFunc timers, the same
// timer-thread-to-pipe translation pattern §5 specifies generally.
func New(r *reactor.Reactor, log *logging.Logger, zombieGrace time.Duration) (*Core, error) {
	c := &Core{
		clientPending: make(map[ClientHandle][]*PendingRequest),
		clients:       make(map[ClientHandle]struct{}),
		zombies:       make(map[*Zombie]struct{}),
		zombieGrace:   zombieGrace,
		reactor:       r,
		log:           log,
	}

	notify, err := ioconn.NewPipe()
	if err != nil {
		return nil, fmt.Errorf("routing: zombie notify pipe: %w", err)
	}
	c.expiryNotify = notify

	if err := r.AddSource(notify.ReadHandle(), reactor.SourceTypeGeneric, "zombie-expiry", reactor.EventRead, func(interface{}) {
		c.drainExpiredZombies()
	}, nil); err != nil {
		return nil, fmt.Errorf("routing: registering zombie-expiry source: %w", err)
	}

	return c, nil
}

func (c *Core) drainExpiredZombies() {
	var buf [64]byte
	for {
		n, err := c.expiryNotify.Read(buf[:])
		if n == 0 || err != nil {
			break
		}
	}

	c.expiredMu.Lock()
	expired := c.expiredQueue
	c.expiredQueue = nil
	c.expiredMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, z := range expired {
		if _, ok := c.zombies[z]; !ok {
			continue
		}
		pending := z.pending
		z.pending = nil
		for _, pr := range pending {
			for i, g := range c.global {
				if g == pr {
					c.global = append(c.global[:i], c.global[i+1:]...)
					break
				}
			}
		}
		delete(c.zombies, z)
	}
}

// RegisterClient adds client to the set eligible for broadcast delivery.
func (c *Core) RegisterClient(client ClientHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[client] = struct{}{}
}

// UnregisterClient removes client from the broadcast set only; its pending
// requests are left alone here (ClientDisconnected zombifies them).
func (c *Core) UnregisterClient(client ClientHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, client)
}

// AddStack registers stack as a dispatch target.
func (c *Core) AddStack(s stack.Stack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stacks = append(c.stacks, s)
}

// RemoveStack unregisters stack. Disconnect announcement (enumerate
// callbacks) is the caller's responsibility per spec.md §4.5's "glue" note.
func (c *Core) RemoveStack(s stack.Stack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.stacks {
		if existing == s {
			c.stacks = append(c.stacks[:i], c.stacks[i+1:]...)
			return
		}
	}
}

func (c *Core) findRecipient(uid uint32) (stack.Stack, stack.Recipient, bool) {
	c.mu.Lock()
	stacks := append([]stack.Stack(nil), c.stacks...)
	c.mu.Unlock()

	for _, s := range stacks {
		if r, ok := s.Recipients().Get(uid); ok {
			return s, r, true
		}
	}
	return nil, stack.Recipient{}, false
}

// ClientExpectsResponse creates a PendingRequest for header and links it
// into the global list and client's list. It must be called before the
// request is dispatched toward hardware so that an arriving response can
// be matched.
func (c *Core) ClientExpectsResponse(client ClientHandle, header tfp.Header) *PendingRequest {
	pr := &PendingRequest{Header: header, client: client, Timestamp: time.Now()}

	c.mu.Lock()
	c.global = append(c.global, pr)
	c.clientPending[client] = append(c.clientPending[client], pr)
	c.mu.Unlock()

	return pr
}

// HardwareDispatchRequest routes pkt to whichever stack publishes a
// recipient for pkt.Header.UID. pr is the PendingRequest already created
// via ClientExpectsResponse when pkt expects a response, or nil otherwise.
func (c *Core) HardwareDispatchRequest(pkt tfp.Packet, pr *PendingRequest, client ClientHandle) {
	s, recipient, found := c.findRecipient(pkt.Header.UID)
	if !found {
		if pr != nil {
			c.removePendingRequestLocked(pr)
		}
		if pkt.Header.ResponseExpected() {
			client.Deliver(tfp.NewErrorResponse(pkt.Header, tfp.ErrorCodeFunctionNotSupport))
		}
		return
	}

	accepted := s.DispatchRequest(pkt, recipient)
	if !accepted && pr != nil {
		c.removePendingRequestLocked(pr)
	}
}

// NetworkDispatchResponse routes a response arriving from a stack back to
// whichever pending request (and hence client or zombie) it matches, per
// spec.md §4.5.
func (c *Core) NetworkDispatchResponse(response tfp.Packet) {
	c.mu.Lock()
	var matched *PendingRequest
	for _, pr := range c.global {
		if pr.Header.UID == response.Header.UID &&
			pr.Header.FunctionID == response.Header.FunctionID &&
			pr.Header.SequenceNumber() == response.Header.SequenceNumber() {
			matched = pr
			break
		}
	}
	c.mu.Unlock()

	if matched == nil {
		if response.Header.SequenceNumber() == tfp.BroadcastSequenceNumber {
			c.deliverBroadcast(response)
		}
		return
	}

	if matched.zombie != nil {
		// The client is gone; nobody to deliver to.
		c.removePendingRequestLocked(matched)
		return
	}

	c.clientDispatchResponse(matched.client, matched, response, true, false)
}

// clientDispatchResponse implements client_dispatch_response, including
// the force/ignore_authentication parameters used by the daemon's own
// authentication responses (which must bypass the normal auth-state gate).
func (c *Core) clientDispatchResponse(client ClientHandle, pr *PendingRequest, response tfp.Packet, force, ignoreAuthentication bool) {
	if !force && pr == nil {
		found := c.findClientPending(client, response.Header)
		if found == nil {
			return
		}
		pr = found
	}

	if !ignoreAuthentication && client != nil && !client.CanReceiveUnsolicited() {
		if pr != nil {
			c.removePendingRequestLocked(pr)
		}
		return
	}

	if client == nil || client.Disconnected() {
		if pr != nil {
			c.removePendingRequestLocked(pr)
		}
		return
	}

	client.Deliver(response)

	if pr != nil {
		c.removePendingRequestLocked(pr)
	}
}

// DeliverDaemonResponse lets the client state machine push a response
// (e.g. the authentication nonce/success reply) through the routing core's
// writer path without needing a PendingRequest, bypassing the
// authentication-state gate since daemon responses are how a client
// reaches DONE in the first place.
func (c *Core) DeliverDaemonResponse(client ClientHandle, response tfp.Packet) {
	c.clientDispatchResponse(client, nil, response, true, true)
}

func (c *Core) findClientPending(client ClientHandle, h tfp.Header) *PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pr := range c.clientPending[client] {
		if pr.Header.UID == h.UID && pr.Header.FunctionID == h.FunctionID && pr.Header.SequenceNumber() == h.SequenceNumber() {
			return pr
		}
	}
	return nil
}

func (c *Core) deliverBroadcast(response tfp.Packet) {
	c.mu.Lock()
	clients := make([]ClientHandle, 0, len(c.clients))
	for client := range c.clients {
		clients = append(clients, client)
	}
	c.mu.Unlock()

	for _, client := range clients {
		if client.Disconnected() || !client.CanReceiveUnsolicited() {
			continue
		}
		client.Deliver(response)
	}
}

// removePendingRequestLocked removes pr from the global list and whichever
// owner list (client or zombie) currently holds it. Always called without
// c.mu held by the caller's intent, so it acquires the lock itself.
func (c *Core) removePendingRequestLocked(pr *PendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removePendingRequestInner(pr)
}

func (c *Core) removePendingRequestInner(pr *PendingRequest) {
	for i, g := range c.global {
		if g == pr {
			c.global = append(c.global[:i], c.global[i+1:]...)
			break
		}
	}

	if pr.client != nil {
		list := c.clientPending[pr.client]
		for i, p := range list {
			if p == pr {
				c.clientPending[pr.client] = append(list[:i], list[i+1:]...)
				break
			}
		}
	} else if pr.zombie != nil {
		z := pr.zombie
		for i, p := range z.pending {
			if p == pr {
				z.pending = append(z.pending[:i], z.pending[i+1:]...)
				break
			}
		}
		if len(z.pending) == 0 {
			delete(c.zombies, z)
		}
	}
}

// GlobalPendingCount returns the size of the global pending list, for
// tests asserting the quiescent-state invariant from spec.md §8.
func (c *Core) GlobalPendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.global)
}

// ClientPendingCount returns how many pending requests client currently
// owns.
func (c *Core) ClientPendingCount(client ClientHandle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clientPending[client])
}
