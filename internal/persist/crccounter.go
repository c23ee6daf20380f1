package persist

import (
	"fmt"
	"strconv"
	"sync"
)

// CRCCounter is the persisted RS-485 CRC-error counter from SPEC_FULL.md
// §4.7.2: an in-memory count that is periodically flushed to a conf-style
// file under the "crc_errors" key so it survives a daemon restart.
type CRCCounter struct {
	mu    sync.Mutex
	path  string
	count uint64
	dirty bool
}

const crcCounterKey = "crc_errors"

// LoadCRCCounter reads the persisted count from path, defaulting to 0 if
// the file or key doesn't exist yet.
func LoadCRCCounter(path string) (*CRCCounter, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}

	c := &CRCCounter{path: path}
	if v, ok := f.Get(crcCounterKey); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err == nil {
			c.count = n
		}
	}
	return c, nil
}

// Increment bumps the in-memory counter and marks it dirty for the next
// Flush.
func (c *CRCCounter) Increment() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	c.dirty = true
}

// Count returns the current in-memory value.
func (c *CRCCounter) Count() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Flush rewrites the counter file if the count has changed since the last
// flush. Called periodically from a reactor timer source per
// Config.CRCCounterFlushInterval.
func (c *CRCCounter) Flush() error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	count := c.count
	path := c.path
	c.mu.Unlock()

	f, err := Load(path)
	if err != nil {
		return fmt.Errorf("persist: loading %s before flush: %w", path, err)
	}
	f.Set(crcCounterKey, strconv.FormatUint(count, 10))
	if err := f.WriteTo(path); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
	return nil
}
