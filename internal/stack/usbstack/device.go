package usbstack

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gousb"

	"github.com/brickbridge/stackbridged/internal/ioconn"
	"github.com/brickbridge/stackbridged/internal/logging"
	"github.com/brickbridge/stackbridged/internal/reactor"
	"github.com/brickbridge/stackbridged/internal/routing"
	"github.com/brickbridge/stackbridged/internal/stack"
	"github.com/brickbridge/stackbridged/internal/tfp"
)

// Device is one open USB stack: the claimed interface, its bulk IN/OUT
// endpoints and the recipient table for devices multiplexed behind it.
// Satisfies stack.Stack.
type Device struct {
	path string
	dev  *gousb.Device

	cfg   *gousb.Config
	intf  *gousb.Interface
	epIn  *gousb.InEndpoint
	epOut *gousb.OutEndpoint

	recipients *stack.Table
	r          *reactor.Reactor
	routing    *routing.Core
	log        *logging.Logger

	connected bool

	outbound chan []byte
	notify   *ioconn.Pipe
	cancel   context.CancelFunc
	done     chan struct{}

	pendingMu sync.Mutex
	pending   [][]byte
}

// Name identifies this stack in logs.
func (d *Device) Name() string { return fmt.Sprintf("usb:%s", d.path) }

func (d *Device) Recipients() *stack.Table { return d.recipients }

// claim discovers the first interface descriptor with exactly two
// endpoints (one IN, one OUT, per §4.7.1) and claims it.
func (d *Device) claim() error {
	cfgNum, err := d.dev.ActiveConfigNum()
	if err != nil {
		cfgNum = 1
	}
	cfg, err := d.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("usbstack: selecting config %d: %w", cfgNum, err)
	}

	var chosenIntfNum, chosenAlt int
	found := false
	for _, ifDesc := range cfg.Desc.Interfaces {
		for _, alt := range ifDesc.AltSettings {
			if len(alt.Endpoints) == 2 {
				chosenIntfNum = ifDesc.Number
				chosenAlt = alt.Alternate
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		cfg.Close()
		return fmt.Errorf("usbstack: no interface with exactly two endpoints")
	}

	intf, err := cfg.Interface(chosenIntfNum, chosenAlt)
	if err != nil {
		cfg.Close()
		return fmt.Errorf("usbstack: claiming interface %d: %w", chosenIntfNum, err)
	}

	var epIn *gousb.InEndpoint
	var epOut *gousb.OutEndpoint
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn {
			in, err := intf.InEndpoint(ep.Number)
			if err == nil {
				epIn = in
			}
		} else {
			out, err := intf.OutEndpoint(ep.Number)
			if err == nil {
				epOut = out
			}
		}
	}
	if epIn == nil || epOut == nil {
		intf.Close()
		cfg.Close()
		return fmt.Errorf("usbstack: could not open one IN and one OUT endpoint")
	}

	d.cfg = cfg
	d.intf = intf
	d.epIn = epIn
	d.epOut = epOut
	return nil
}

func (d *Device) release() {
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	_ = d.dev.Close()
}

// registerAndStart creates the notification pipe, registers it with the
// reactor as a USB source, and starts the read pump goroutine.
func (d *Device) registerAndStart() error {
	notify, err := ioconn.NewPipe()
	if err != nil {
		return fmt.Errorf("usbstack: notification pipe: %w", err)
	}
	d.notify = notify
	d.outbound = make(chan []byte, 256)

	if err := d.r.AddSource(notify.ReadHandle(), reactor.SourceTypeUSB, d.Name(), reactor.EventRead, d.handleNotify, nil); err != nil {
		_ = notify.Close()
		return fmt.Errorf("usbstack: registering source: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.pump(ctx)

	return nil
}

func (d *Device) stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	if d.notify != nil {
		_ = d.r.RemoveSource(d.notify.ReadHandle(), reactor.SourceTypeUSB)
		_ = d.notify.Close()
	}
}

// pump is the translator goroutine: it reads frames off the bulk IN
// endpoint and writes frames queued by DispatchRequest onto the bulk OUT
// endpoint. It never touches routing/client state itself — an incoming
// frame is only queued and the reactor thread woken through the
// notification pipe, exactly the shape internal/server.Listener's accept
// loop and internal/routing's zombie-expiry timer use, since
// recipients.Add and NetworkDispatchResponse may only run on the reactor
// thread (SPEC_FULL.md §5).
func (d *Device) pump(ctx context.Context) {
	defer close(d.done)

	incoming := make(chan []byte, 16)
	go func() {
		buf := make([]byte, tfp.MaxLength)
		for {
			n, err := d.epIn.ReadContext(ctx, buf)
			if err != nil {
				return
			}
			if n < tfp.HeaderLength {
				continue
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			select {
			case incoming <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case frame := <-d.outbound:
			if _, err := d.epOut.WriteContext(ctx, frame); err != nil {
				d.log.Warnf("usb write error: %v", err)
			}

		case frame := <-incoming:
			d.queueFrame(frame)
		}
	}
}

// queueFrame appends a raw frame read off the bulk IN endpoint to the
// pending queue and wakes the reactor thread. Called from pump; must not
// touch recipients or routing directly.
func (d *Device) queueFrame(frame []byte) {
	d.pendingMu.Lock()
	d.pending = append(d.pending, frame)
	d.pendingMu.Unlock()

	_, _ = d.notify.Write([]byte{1})
}

// handleNotify runs on the reactor thread: it drains both the
// notification pipe and the pending-frame queue, then decodes and
// delivers each frame to routing, matching
// internal/server/listener.go's handleNotify/installClient split.
func (d *Device) handleNotify(interface{}) {
	var buf [64]byte
	for {
		n, err := d.notify.Read(buf[:])
		if n == 0 || err != nil {
			break
		}
	}

	d.pendingMu.Lock()
	frames := d.pending
	d.pending = nil
	d.pendingMu.Unlock()

	for _, frame := range frames {
		d.deliver(frame)
	}
}

func (d *Device) deliver(frame []byte) {
	h := tfp.DecodeHeader(frame[:tfp.HeaderLength])
	if err := tfp.ValidateResponse(h); err != nil {
		d.log.Warnf("usb: dropping malformed response: %v", err)
		return
	}
	pkt := tfp.Decode(frame)

	d.recipients.Add(h.UID, nil)
	d.routing.NetworkDispatchResponse(pkt)
}

// DispatchRequest queues pkt for transmission on the bulk OUT endpoint.
// It accepts unless the outbound channel (256 frames) is full; then the
// new request is dropped and false is returned, while frames already
// queued stay queued.
func (d *Device) DispatchRequest(pkt tfp.Packet, recipient stack.Recipient) bool {
	frame := tfp.Encode(pkt)
	select {
	case d.outbound <- frame:
		return true
	default:
		d.log.Warnf("usb: outbound queue full, dropping request to uid %d", pkt.Header.UID)
		return false
	}
}
