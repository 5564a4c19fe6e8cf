// Package mdns implements the discovery transport over multicast DNS-SD.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Air-hive/Airhive-firmware-v2/internal/discovery"

	"github.com/brutella/dnssd"
	"go.uber.org/zap"
)

// Transport registers, browses and resolves DNS-SD services.
type Transport struct {
	log    *zap.Logger
	ifaces []string
}

var (
	_ discovery.Registrar = (*Transport)(nil)
	_ discovery.Browser   = (*Transport)(nil)
	_ discovery.Lookup    = (*Transport)(nil)
)

// New returns a transport bound to ifaces, or to every multicast-capable
// interface when none are given.
func New(logger *zap.Logger, ifaces ...string) *Transport {
	return &Transport{log: logger.Named("mdns"), ifaces: ifaces}
}

// Register probes the network for rec's instance name, renaming it on
// conflict, then starts a responder for the probed service. It returns once
// the responder is running under the final name; ctx bounds the probe.
func (t *Transport) Register(ctx context.Context, rec discovery.ServiceRecord) (discovery.Registration, error) {
	svcType, domain := splitServiceType(rec.Type)
	sv, err := dnssd.NewService(dnssd.Config{
		Name:   rec.Name,
		Type:   svcType,
		Domain: domain,
		Host:   rec.Host,
		Text:   rec.Properties,
		IPs:    toIPs(rec.Addresses),
		Port:   rec.Port,
		Ifaces: t.ifaces,
	})
	if err != nil {
		return nil, fmt.Errorf("build service: %w", err)
	}

	probed, err := dnssd.ProbeService(ctx, sv)
	if err != nil {
		return nil, fmt.Errorf("probe %q: %w", rec.Name, err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("create responder: %w", err)
	}
	hdl, err := rp.Add(probed)
	if err != nil {
		return nil, fmt.Errorf("add service: %w", err)
	}

	name := probed.Name
	reg := newRegistration(name, func() { rp.Remove(hdl) }, rp.Respond, func(err error) {
		t.log.Warn("Responder stopped.", zap.String("name", name), zap.Error(err))
	})
	return reg, nil
}

// registration runs one responder. The name is fixed when the probe
// completes, so reading it never touches responder state.
type registration struct {
	name     string
	withdraw func()
	cancel   context.CancelFunc

	stopped chan struct{} // closed when respond returns
	done    chan struct{} // closed when respond returns before Close
	err     error         // set before stopped is closed

	once     sync.Once
	closing  atomic.Bool
	closeErr error
}

// newRegistration starts respond in the background. onFailure runs when
// respond returns before Close.
func newRegistration(name string, withdraw func(), respond func(context.Context) error, onFailure func(error)) *registration {
	ctx, cancel := context.WithCancel(context.Background())
	r := &registration{
		name:     name,
		withdraw: withdraw,
		cancel:   cancel,
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go func() {
		err := respond(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			err = nil
			if !r.closing.Load() {
				err = errors.New("responder exited")
			}
		}
		r.err = err
		close(r.stopped)
		if !r.closing.Load() {
			onFailure(err)
			close(r.done)
		}
	}()
	return r
}

func (r *registration) Name() string { return r.name }

func (r *registration) Done() <-chan struct{} { return r.done }

// Err is only meaningful once Done is closed.
func (r *registration) Err() error {
	select {
	case <-r.stopped:
		return r.err
	default:
		return nil
	}
}

// Close sends goodbye packets, stops the responder and waits for its sockets to close.
func (r *registration) Close() error {
	r.once.Do(func() {
		r.closing.Store(true)
		r.withdraw()
		r.cancel()
		<-r.stopped
		if r.err != nil {
			r.closeErr = fmt.Errorf("responder: %w", r.err)
		}
	})
	return r.closeErr
}

// Browse reports services of serviceType. A service seen on several
// interfaces is Added once and Removed when the last interface drops it.
func (t *Transport) Browse(ctx context.Context, serviceType string, events chan<- discovery.Event) error {
	var mu sync.Mutex
	seen := make(map[string]map[string]struct{})

	emit := func(kind discovery.EventKind, name string) {
		select {
		case events <- discovery.Event{Kind: kind, ServiceType: serviceType, Name: name}:
		case <-ctx.Done():
		}
	}

	add := func(e dnssd.BrowseEntry) {
		mu.Lock()
		ifaces, ok := seen[e.Name]
		if !ok {
			ifaces = make(map[string]struct{})
			seen[e.Name] = ifaces
		}
		ifaces[e.IfaceName] = struct{}{}
		mu.Unlock()

		kind := discovery.Added
		if ok {
			kind = discovery.Updated
		}
		emit(kind, e.Name)
	}

	rmv := func(e dnssd.BrowseEntry) {
		mu.Lock()
		ifaces, ok := seen[e.Name]
		if ok {
			delete(ifaces, e.IfaceName)
			if len(ifaces) == 0 {
				delete(seen, e.Name)
			}
		}
		gone := ok && len(ifaces) == 0
		mu.Unlock()

		if gone {
			emit(discovery.Removed, e.Name)
		}
	}

	err := dnssd.LookupType(ctx, serviceType, add, rmv)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Resolve looks up one instance and returns its full record.
func (t *Transport) Resolve(ctx context.Context, serviceType, name string) (discovery.ServiceRecord, error) {
	instance := escapeInstance(name) + "." + strings.TrimPrefix(serviceType, ".")
	sv, err := dnssd.LookupInstance(ctx, instance)
	if err != nil {
		return discovery.ServiceRecord{}, err
	}
	return discovery.ServiceRecord{
		Name:       sv.Name,
		Type:       serviceType,
		Host:       sv.Host,
		Addresses:  fromIPs(sv.IPs),
		Port:       sv.Port,
		Properties: sv.Text,
	}, nil
}

// splitServiceType turns "_http._tcp.local." into ("_http._tcp", "local").
func splitServiceType(full string) (svcType, domain string) {
	full = strings.TrimSuffix(full, ".")
	parts := strings.Split(full, ".")
	if len(parts) <= 2 {
		return full, "local"
	}
	return strings.Join(parts[:2], "."), strings.Join(parts[2:], ".")
}

var instanceEscaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`, ` `, `\ `)

func escapeInstance(name string) string {
	return instanceEscaper.Replace(name)
}

func toIPs(addrs []netip.Addr) []net.IP {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, net.IP(a.AsSlice()))
	}
	return out
}

func fromIPs(ips []net.IP) []netip.Addr {
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		if a, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, a.Unmap())
		}
	}
	return out
}
