package routing

import (
	"time"
)

// ClientDisconnected implements the client-destruction half of the zombie
// mechanism from spec.md §4.5. If client holds no pending requests this is
// a no-op beyond unregistering it. Otherwise every pending request is
// relinked from the client's list onto a fresh Zombie, which survives for
// the configured grace period before any still-unmatched requests are
// freed outright.
func (c *Core) ClientDisconnected(client ClientHandle) {
	c.mu.Lock()
	delete(c.clients, client)
	pending := c.clientPending[client]
	delete(c.clientPending, client)
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	z := &Zombie{pending: pending}
	for _, pr := range pending {
		pr.client = nil
		pr.zombie = z
	}

	c.mu.Lock()
	c.zombies[z] = struct{}{}
	c.mu.Unlock()

	time.AfterFunc(c.zombieGrace, func() {
		c.expiredMu.Lock()
		c.expiredQueue = append(c.expiredQueue, z)
		c.expiredMu.Unlock()
		_, _ = c.expiryNotify.Write([]byte{1})
	})
}

// ZombieCount reports how many zombies are currently alive, for tests.
func (c *Core) ZombieCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.zombies)
}
