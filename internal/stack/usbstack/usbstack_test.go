package usbstack

import (
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"

	"github.com/brickbridge/stackbridged/internal/stack"
)

func TestDevicePathKeyedByBusAddress(t *testing.T) {
	desc := &gousb.DeviceDesc{Bus: 3, Address: 7}
	assert.Equal(t, "3-7", devicePath(desc))
}

func TestMatchesChecksVendorProductAndMinRelease(t *testing.T) {
	m := &Manager{cfg: Config{VendorID: 0x16d0, ProductID: 0x0063, MinRelease: 0x0110}}

	assert.True(t, m.matches(&gousb.DeviceDesc{Vendor: 0x16d0, Product: 0x0063, Device: 0x0110}))
	assert.True(t, m.matches(&gousb.DeviceDesc{Vendor: 0x16d0, Product: 0x0063, Device: 0x0200}))
	assert.False(t, m.matches(&gousb.DeviceDesc{Vendor: 0x16d0, Product: 0x0063, Device: 0x0100}))
	assert.False(t, m.matches(&gousb.DeviceDesc{Vendor: 0x1234, Product: 0x0063, Device: 0x0110}))
	assert.False(t, m.matches(&gousb.DeviceDesc{Vendor: 0x16d0, Product: 0x0001, Device: 0x0110}))
}

// TestRecipientSetSurvivesMarkAndUnmark exercises the Table behavior that
// Rescan relies on to preserve a stack's recipients across a reopen: the
// recipient set itself is never touched by the connected/unconnected
// bookkeeping, only by explicit Add calls from traffic on the reopened
// endpoint.
func TestRecipientSetSurvivesMarkAndUnmark(t *testing.T) {
	tbl := &stack.Table{}
	tbl.Add(42, nil)

	d := &Device{recipients: tbl, connected: true}
	d.connected = false // Rescan's "mark all unconnected" step
	d.connected = true  // re-found on the same path during enumeration

	got, ok := tbl.Get(42)
	assert.True(t, ok)
	assert.Equal(t, uint32(42), got.UID)
}
