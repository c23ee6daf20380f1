package deviceid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brickbridge/stackbridged/internal/logging"
)

func TestLoadParsesUSBDevicesAndLooksThemUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deviceid.yaml")
	doc := `
usb_devices:
  - vendor_id: 0x16D0
    product_id: 0x063D
    vendor: Tinkerforge GmbH
    model: Master Brick
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	table := Load(logging.NewDiscard(), path)

	e, ok := table.Lookup(0x16D0, 0x063D)
	require.True(t, ok)
	assert.Equal(t, "Tinkerforge GmbH", e.Vendor)
	assert.Equal(t, "Master Brick", e.Model)

	_, ok = table.Lookup(0x1234, 0x5678)
	assert.False(t, ok)

	assert.Equal(t, "16d0:063d (Tinkerforge GmbH Master Brick)", table.Describe(0x16D0, 0x063D))
	assert.Equal(t, "1234:5678", table.Describe(0x1234, 0x5678))
}

func TestLoadMissingFileYieldsEmptyTable(t *testing.T) {
	table := Load(logging.NewDiscard(), filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	_, ok := table.Lookup(0x16D0, 0x063D)
	assert.False(t, ok)
}

func TestNilTableLookupMisses(t *testing.T) {
	var table *Table
	_, ok := table.Lookup(0x16D0, 0x063D)
	assert.False(t, ok)
	assert.Equal(t, "16d0:063d", table.Describe(0x16D0, 0x063D))
}
