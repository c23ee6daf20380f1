// Package config loads the daemon's configuration from layered sources:
// command-line flags (spf13/pflag), a TOML file and the environment,
// both bound through spf13/viper. This generalizes the teacher's bare
// pflag.StringP/pflag.Bool flag declarations (src/appserver.go,
// src/kissutil.go) into a single bound struct suitable for SIGHUP
// reloads, since the teacher never needed to re-read its flags after
// startup and this daemon does (see internal/sigpipe).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved configuration consumed by cmd/stackbridged
// and handed down to every component that needs it; nothing in the
// routing/client/stack packages reads it directly, they receive already
// narrowed fields or values instead (spec.md's "external collaborator"
// boundary, see SPEC_FULL.md §2).
type Config struct {
	ListenAddress string
	ListenPort    int
	AuthSecret    string
	ZombieGrace   time.Duration

	RS485Device         string
	RS485Baud           int
	RS485SlaveAddresses []uint8
	RS485PollDelay      time.Duration
	RS485UseINotify     bool

	USBVendorID   uint16
	USBProductID  uint16
	USBMinRelease uint16

	DNSSDEnabled     bool
	DNSSDServiceName string

	PIDFilePath string

	CRCCounterPath          string
	CRCCounterFlushInterval time.Duration

	DeviceIDPath string

	LogLevel string
	LogFile  string
}

// defaults mirrors brickd.conf's documented defaults (original_source's
// conf_file.c comments), adapted to this repo's flag names.
func defaults(v *viper.Viper) {
	v.SetDefault("listen.address", "0.0.0.0")
	v.SetDefault("listen.port", 4223)
	v.SetDefault("authentication.secret", "")
	v.SetDefault("zombie_grace", 5*time.Second)

	v.SetDefault("rs485.device", "/dev/ttyUSB0")
	v.SetDefault("rs485.baud", 115200)
	v.SetDefault("rs485.slave_addresses", []string{})
	v.SetDefault("rs485.poll_delay", 10*time.Millisecond)
	v.SetDefault("rs485.use_inotify", true)

	v.SetDefault("usb.vendor_id", 0x16D0)
	v.SetDefault("usb.product_id", 0x063D)
	v.SetDefault("usb.min_release", 0x0100)

	v.SetDefault("dnssd.enabled", true)
	v.SetDefault("dnssd.service_name", "")

	v.SetDefault("pid_file", "/var/run/stackbridged.pid")

	v.SetDefault("crc_counter.path", "/var/lib/stackbridged/rs485-crc-errors")
	v.SetDefault("crc_counter.flush_interval", 30*time.Second)

	v.SetDefault("device_id_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Flags declares the command-line surface on fs, returning the bound
// *viper.Viper the caller should pass to Load after fs.Parse. Grounded
// on the teacher's flag set (a hostname/port pair plus a --help flag);
// expanded with one flag per Config field the daemon actually needs to
// override at the command line, the rest only reachable through the
// config file.
func Flags(fs *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	defaults(v)

	fs.String("config", "", "Path to a TOML configuration file.")
	fs.StringP("listen-address", "a", "", "Address to listen on (overrides config file).")
	fs.IntP("listen-port", "p", 0, "TCP port to listen on (overrides config file).")
	fs.String("rs485-device", "", "RS-485 serial device path (overrides config file).")
	fs.String("log-level", "", "Log level: debug, info, warn, error.")
	fs.Bool("no-dnssd", false, "Disable mDNS/DNS-SD announcement.")

	_ = v.BindPFlag("listen.address", fs.Lookup("listen-address"))
	_ = v.BindPFlag("listen.port", fs.Lookup("listen-port"))
	_ = v.BindPFlag("rs485.device", fs.Lookup("rs485-device"))
	_ = v.BindPFlag("log.level", fs.Lookup("log-level"))

	v.SetEnvPrefix("stackbridged")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load resolves the configuration file named by the --config flag (if
// any), merges it under the flag/env layers already bound into v by
// Flags, and returns the assembled Config. Safe to call again after a
// SIGHUP to implement a config reload, matching brickd's behavior of
// re-reading brickd.conf on SIGHUP without restarting.
func Load(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	if path, _ := fs.GetString("config"); path != "" {
		var raw map[string]interface{}
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := v.MergeConfigMap(raw); err != nil {
			return nil, fmt.Errorf("config: merging %s: %w", path, err)
		}
	}

	noDNSSD, _ := fs.GetBool("no-dnssd")

	slaveStrs := v.GetStringSlice("rs485.slave_addresses")
	slaves := make([]uint8, 0, len(slaveStrs))
	for _, s := range slaveStrs {
		var addr uint8
		if _, err := fmt.Sscanf(s, "%d", &addr); err != nil {
			return nil, fmt.Errorf("config: rs485.slave_addresses entry %q: %w", s, err)
		}
		slaves = append(slaves, addr)
	}

	cfg := &Config{
		ListenAddress: v.GetString("listen.address"),
		ListenPort:    v.GetInt("listen.port"),
		AuthSecret:    v.GetString("authentication.secret"),
		ZombieGrace:   v.GetDuration("zombie_grace"),

		RS485Device:         v.GetString("rs485.device"),
		RS485Baud:           v.GetInt("rs485.baud"),
		RS485SlaveAddresses: slaves,
		RS485PollDelay:      v.GetDuration("rs485.poll_delay"),
		RS485UseINotify:     v.GetBool("rs485.use_inotify"),

		USBVendorID:   uint16(v.GetInt("usb.vendor_id")),
		USBProductID:  uint16(v.GetInt("usb.product_id")),
		USBMinRelease: uint16(v.GetInt("usb.min_release")),

		DNSSDEnabled:     v.GetBool("dnssd.enabled") && !noDNSSD,
		DNSSDServiceName: v.GetString("dnssd.service_name"),

		PIDFilePath: v.GetString("pid_file"),

		CRCCounterPath:          v.GetString("crc_counter.path"),
		CRCCounterFlushInterval: v.GetDuration("crc_counter.flush_interval"),

		DeviceIDPath: v.GetString("device_id_file"),

		LogLevel: v.GetString("log.level"),
		LogFile:  v.GetString("log.file"),
	}

	return cfg, nil
}
