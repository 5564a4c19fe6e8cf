package main

import (
	"fmt"
	"io"
	"maps"
	"net"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Air-hive/Airhive-firmware-v2/internal/discovery"
	"github.com/Air-hive/Airhive-firmware-v2/internal/discovery/mdns"
	"github.com/Air-hive/Airhive-firmware-v2/internal/models"
	natsclient "github.com/Air-hive/Airhive-firmware-v2/internal/nats"

	"github.com/spf13/cobra"
)

func browseCmd(g *globalFlags) *cobra.Command {
	var (
		prefix      string
		serviceType string
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "browse",
		Short: "List Airhive machines advertised on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			transport := mdns.New(g.log)
			p := &recordPrinter{w: cmd.OutOrStdout()}
			r := discovery.NewResolver(transport, transport, discovery.ResolverConfig{
				ServiceType:    serviceType,
				Prefix:         prefix,
				ResolveTimeout: timeout,
				OnResolved:     p.resolved,
				OnRemoved:      p.removed,
				OnFailure:      p.failed,
			}, g.log)
			return r.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "Airhive", "Only show instances whose name starts with this")
	cmd.Flags().StringVar(&serviceType, "type", discovery.DefaultServiceType, "Service type to browse")
	cmd.Flags().DurationVar(&timeout, "resolve-timeout", discovery.DefaultResolveTimeout, "Timeout for resolving one instance")
	return cmd
}

// recordPrinter writes resolver callbacks as they arrive. Callbacks come
// from one goroutine but the lock keeps output lines whole.
type recordPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *recordPrinter) resolved(rec discovery.ServiceRecord) {
	addrs := make([]string, 0, len(rec.Addresses))
	for _, a := range rec.Addresses {
		addrs = append(addrs, net.JoinHostPort(a.String(), strconv.Itoa(rec.Port)))
	}
	props := make([]string, 0, len(rec.Properties))
	for _, k := range slices.Sorted(maps.Keys(rec.Properties)) {
		props = append(props, k+"="+rec.Properties[k])
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "+ %s\thost=%s\taddrs=%s", rec.Name, rec.Host, strings.Join(addrs, ","))
	if len(props) > 0 {
		fmt.Fprintf(p.w, "\t%s", strings.Join(props, " "))
	}
	fmt.Fprintln(p.w)
}

func (p *recordPrinter) removed(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "- %s\n", name)
}

func (p *recordPrinter) failed(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "! %s\t%v\n", name, err)
}

func watchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream machine events published by gateways",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return natsclient.Watch(ctx, g.natsURL, g.log, func(ev models.MachineEvent) {
				fmt.Fprintln(cmd.OutOrStdout(), formatEvent(ev))
			})
		},
	}
}

func formatEvent(ev models.MachineEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", ev.Time.Format(time.RFC3339), ev.Instance, ev.Event)
	if ev.State != "" {
		fmt.Fprintf(&b, " state=%s", ev.State)
	}
	if ev.BatchID != "" {
		fmt.Fprintf(&b, " batch=%s count=%d", ev.BatchID, ev.Count)
	}
	if ev.BaudRate != 0 {
		fmt.Fprintf(&b, " baud=%d", ev.BaudRate)
	}
	return b.String()
}

