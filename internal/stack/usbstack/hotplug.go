package usbstack

import (
	"context"

	"github.com/jochenvg/go-udev"

	"github.com/brickbridge/stackbridged/internal/logging"
)

// WatchUdev subscribes to the kernel's udev netlink socket for "usb"
// subsystem add/remove events and calls Rescan on each one, giving
// true event-driven hotplug on Linux instead of StartHotplugWatch's
// poll loop. ctx cancellation stops the monitor goroutine.
func (m *Manager) WatchUdev(ctx context.Context, log *logging.Logger) error {
	u := udev.Udev{}
	monitor := u.NewMonitorFromNetlink("udev")
	if err := monitor.FilterAddMatchSubsystem("usb"); err != nil {
		return err
	}

	devices, errs, err := monitor.DeviceChan(ctx)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case dev, ok := <-devices:
				if !ok {
					return
				}
				action := dev.Action()
				if action != "add" && action != "remove" {
					continue
				}
				log.Debugf("udev: %s event on %s", action, dev.Syspath())
				m.Rescan()
			case err, ok := <-errs:
				if !ok {
					return
				}
				log.Warnf("udev: monitor error: %v", err)
			}
		}
	}()

	return nil
}
