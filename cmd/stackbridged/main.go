// Command stackbridged bridges networked TFP clients to USB and RS-485
// hardware stacks. It wires configuration, logging, the event reactor,
// the routing core and the configured stack variants together and runs
// until a signal asks it to stop, the same role src/appserver.go's
// start_tnc_server plays for direwolf's KISS/AGW bridge, generalized to
// this daemon's reactor-driven architecture.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/gousb"
	"github.com/spf13/pflag"

	"github.com/brickbridge/stackbridged/internal/config"
	"github.com/brickbridge/stackbridged/internal/deviceid"
	"github.com/brickbridge/stackbridged/internal/discovery"
	"github.com/brickbridge/stackbridged/internal/logging"
	"github.com/brickbridge/stackbridged/internal/pidfile"
	"github.com/brickbridge/stackbridged/internal/reactor"
	"github.com/brickbridge/stackbridged/internal/routing"
	"github.com/brickbridge/stackbridged/internal/server"
	"github.com/brickbridge/stackbridged/internal/sigpipe"
	"github.com/brickbridge/stackbridged/internal/stack/rs485"
	"github.com/brickbridge/stackbridged/internal/stack/usbstack"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stackbridged:", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("stackbridged", pflag.ExitOnError)
	v := config.Flags(fs)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: stackbridged [flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(v, fs)
	if err != nil {
		return err
	}

	logRoot := logging.Init(os.Stderr, cfg.LogLevel)
	log := logRoot.For("main")

	pf, err := pidfile.Acquire(cfg.PIDFilePath)
	if err != nil {
		return fmt.Errorf("acquiring pid file: %w", err)
	}
	defer pf.Release()

	r, err := reactor.New()
	if err != nil {
		return fmt.Errorf("creating reactor: %w", err)
	}

	core, err := routing.New(r, logRoot.For("routing"), cfg.ZombieGrace)
	if err != nil {
		return fmt.Errorf("creating routing core: %w", err)
	}

	ln, err := server.Listen(cfg.ListenAddress, cfg.ListenPort, r, core, logRoot.For("server"), cfg.AuthSecret)
	if err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}
	defer ln.Close()

	var responder *discovery.Responder
	if cfg.DNSSDEnabled {
		responder, err = discovery.Announce(logRoot.For("discovery"), cfg.DNSSDServiceName, cfg.ListenPort)
		if err != nil {
			log.Warnf("dns-sd announce failed, continuing without it: %v", err)
		} else {
			defer responder.Close()
		}
	}

	var deviceIDPaths []string
	if cfg.DeviceIDPath != "" {
		deviceIDPaths = []string{cfg.DeviceIDPath}
	}
	deviceIDTable := deviceid.Load(logRoot.For("deviceid"), deviceIDPaths...)

	usbMgr := usbstack.NewManager(usbstack.Config{
		VendorID:   gousb.ID(cfg.USBVendorID),
		ProductID:  gousb.ID(cfg.USBProductID),
		MinRelease: gousb.Version(cfg.USBMinRelease),
	}, r, core, logRoot.For("usbstack"), deviceIDTable)
	defer usbMgr.Close()

	hotplugCtx, stopHotplug := context.WithCancel(context.Background())
	defer stopHotplug()
	if err := usbMgr.WatchUdev(hotplugCtx, logRoot.For("usbstack.hotplug")); err != nil {
		log.Warnf("udev hotplug watch unavailable, falling back to polling: %v", err)
		usbMgr.StartHotplugWatch(hotplugCtx, 5*time.Second)
	} else {
		usbMgr.Rescan()
	}

	var rs485Master *rs485.Master
	if cfg.RS485Device != "" {
		rs485Ctx, stopRS485 := context.WithCancel(context.Background())
		defer stopRS485()

		rs485Master, err = rs485.Open(rs485Ctx, rs485.Config{
			Device:                  cfg.RS485Device,
			Baud:                    cfg.RS485Baud,
			SlaveAddresses:          cfg.RS485SlaveAddresses,
			PollDelay:               cfg.RS485PollDelay,
			UseINotify:              cfg.RS485UseINotify,
			CRCCounterPath:          cfg.CRCCounterPath,
			CRCCounterFlushInterval: cfg.CRCCounterFlushInterval,
		}, r, core, logRoot.For("rs485"))
		if err != nil {
			log.Warnf("RS-485 master unavailable, continuing without it: %v", err)
		} else {
			defer rs485Master.Close()
		}
	}

	sp, err := sigpipe.New(r, logRoot.For("sigpipe"), sigpipe.Handler{
		OnSIGHUP: func() {
			reloaded, err := config.Load(v, fs)
			if err != nil {
				log.Errorf("config reload failed: %v", err)
				return
			}
			cfg = reloaded
			log.Infof("configuration reloaded")

			if responder != nil {
				responder.Close()
				responder = nil
			}
			if cfg.DNSSDEnabled {
				responder, err = discovery.Announce(logRoot.For("discovery"), cfg.DNSSDServiceName, cfg.ListenPort)
				if err != nil {
					log.Warnf("dns-sd re-announce failed: %v", err)
				}
			}
		},
		OnSIGUSR1: func() {
			if cfg.LogFile == "" {
				return
			}
			f, err := os.OpenFile(cfg.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
			if err != nil {
				log.Errorf("log rotation: reopening %s: %v", cfg.LogFile, err)
				return
			}
			logRoot.SetOutput(f)
			log.Infof("log file reopened")
		},
	})
	if err != nil {
		return fmt.Errorf("installing signal handling: %w", err)
	}
	defer sp.Close()

	log.Infof("stackbridged running, pid %d", os.Getpid())
	return r.Run(nil)
}
