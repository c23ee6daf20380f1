// Package deviceid resolves a USB vendor/product pair to a friendly
// vendor/model name for logging, grounded on src/deviceid.go's
// tocalls.yaml device table: read an optional YAML file at startup
// rather than compiling the table in, so the list can be extended
// without a rebuild.
package deviceid

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/brickbridge/stackbridged/internal/logging"
)

// Entry names one known device.
type Entry struct {
	Vendor string
	Model  string
}

type usbKey struct {
	vendorID  uint16
	productID uint16
}

// Table is an optional vendor/product -> Entry lookup. A nil or empty
// Table is safe to use; Lookup just always misses.
type Table struct {
	mu      sync.RWMutex
	entries map[usbKey]Entry
}

// searchLocations mirrors deviceid_init's fixed search order: current
// directory first, then the install-time data locations, then the
// system-wide shared locations.
var searchLocations = []string{
	"deviceid.yaml",
	"data/deviceid.yaml",
	"/usr/local/share/stackbridged/deviceid.yaml",
	"/usr/share/stackbridged/deviceid.yaml",
}

// Load reads the first file found among the given paths (or, if none are
// given, the default search locations), parsing a list of
// vendor_id/product_id/vendor/model entries under the "usb_devices" key.
// A missing file is not an error: it yields an empty Table, the same as
// deviceid_init logging and continuing when tocalls.yaml can't be found.
func Load(log *logging.Logger, paths ...string) *Table {
	if len(paths) == 0 {
		paths = searchLocations
	}

	t := &Table{entries: make(map[usbKey]Entry)}

	var data []byte
	var found string
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err == nil {
			data = b
			found = p
			break
		}
	}
	if found == "" {
		return t
	}

	var doc struct {
		USBDevices []struct {
			VendorID  uint16 `yaml:"vendor_id"`
			ProductID uint16 `yaml:"product_id"`
			Vendor    string `yaml:"vendor"`
			Model     string `yaml:"model"`
		} `yaml:"usb_devices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		log.Warnf("deviceid: parsing %s: %v", found, err)
		return t
	}

	for _, d := range doc.USBDevices {
		t.entries[usbKey{d.VendorID, d.ProductID}] = Entry{Vendor: d.Vendor, Model: d.Model}
	}
	return t
}

// Lookup returns the known vendor/model for a USB vendor:product pair.
func (t *Table) Lookup(vendorID, productID uint16) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[usbKey{vendorID, productID}]
	return e, ok
}

// Describe formats vendorID:productID with the friendly name appended
// when known, for use in log lines.
func (t *Table) Describe(vendorID, productID uint16) string {
	base := fmt.Sprintf("%04x:%04x", vendorID, productID)
	e, ok := t.Lookup(vendorID, productID)
	if !ok {
		return base
	}
	return fmt.Sprintf("%s (%s %s)", base, e.Vendor, e.Model)
}
