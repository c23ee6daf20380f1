package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithoutConfigFile(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := Flags(fs)
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(v, fs)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.ListenAddress)
	assert.Equal(t, 4223, cfg.ListenPort)
	assert.True(t, cfg.RS485UseINotify)
	assert.True(t, cfg.DNSSDEnabled)
}

func TestLoadMergesTOMLFileUnderDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stackbridged.toml")
	body := "[listen]\naddress = \"127.0.0.1\"\nport = 9000\n\n[rs485]\ndevice = \"/dev/ttyS1\"\nslave_addresses = [\"1\", \"2\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := Flags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path}))

	cfg, err := Load(v, fs)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.ListenAddress)
	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, "/dev/ttyS1", cfg.RS485Device)
	assert.Equal(t, []uint8{1, 2}, cfg.RS485SlaveAddresses)
	assert.Equal(t, 115200, cfg.RS485Baud, "unset fields still fall back to defaults")
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stackbridged.toml")
	require.NoError(t, os.WriteFile(path, []byte("[listen]\nport = 9000\n"), 0o644))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := Flags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--listen-port", "4000"}))

	cfg, err := Load(v, fs)
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.ListenPort)
}

func TestNoDNSSDFlagDisablesAnnouncement(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := Flags(fs)
	require.NoError(t, fs.Parse([]string{"--no-dnssd"}))

	cfg, err := Load(v, fs)
	require.NoError(t, err)
	assert.False(t, cfg.DNSSDEnabled)
}
