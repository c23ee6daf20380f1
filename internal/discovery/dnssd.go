// Package discovery announces the daemon's TCP listener over mDNS/DNS-SD
// so clients on the local network can find it without a hardcoded
// host:port. Grounded on src/dns_sd.go's dns_sd_announce, generalized
// from a package-level function taking the teacher's config struct to a
// Responder type that can be re-announced (e.g. after a SIGHUP config
// reload changes the service name) and cleanly shut down.
package discovery

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"

	"github.com/brickbridge/stackbridged/internal/logging"
)

// ServiceType is the DNS-SD service type this daemon advertises, in the
// same "_name._tcp" shape as the teacher's _kiss-tnc._tcp.
const ServiceType = "_tfp._tcp"

// Responder owns one announced dnssd.Service and the responder instance
// serving it.
type Responder struct {
	log      *logging.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	responder dnssd.Responder
}

// Announce starts advertising name (or a default if empty) on port over
// DNS-SD. Errors building the service/responder are returned rather than
// just logged, since this is only ever called from startup and SIGHUP
// reload code paths that can decide whether a failure is fatal.
func Announce(log *logging.Logger, name string, port int) (*Responder, error) {
	if name == "" {
		name = defaultServiceName()
	}

	cfg := dnssd.Config{
		Name: name,
		Type: ServiceType,
		Port: port,
	}

	service, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: creating service: %w", err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("discovery: creating responder: %w", err)
	}

	if _, err := responder.Add(service); err != nil {
		return nil, fmt.Errorf("discovery: adding service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Responder{
		log:       log,
		cancel:    cancel,
		done:      make(chan struct{}),
		responder: responder,
	}

	log.Infof("announcing %s on port %d as %q", ServiceType, port, name)

	go func() {
		defer close(r.done)
		if err := responder.Respond(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("dns-sd responder: %v", err)
		}
	}()

	return r, nil
}

// Close stops the responder and waits for its goroutine to exit.
func (r *Responder) Close() {
	r.cancel()
	<-r.done
}

func defaultServiceName() string {
	hostname, err := hostnameOrFallback()
	if err != nil {
		return "stackbridged"
	}
	return "stackbridged on " + hostname
}
