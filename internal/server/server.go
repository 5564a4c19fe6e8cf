// Package server runs the gateway process: the HTTP surface, metrics, the
// gRPC health service, the machine link and the discovery advertiser.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Air-hive/Airhive-firmware-v2/internal/api"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name that follows link connectivity.
const HealthService = "airhive.Machine"

const (
	defaultShutdownTimeout = 5 * time.Second
	defaultHealthInterval  = time.Second
)

// Link is the machine link driven for the lifetime of the process.
type Link interface {
	Run(ctx context.Context) error
	Connected() bool
}

// Runner is a background task bound to the process lifetime.
type Runner interface {
	Run(ctx context.Context) error
}

// AdvertiserFunc builds the discovery advertiser once the HTTP port is known.
type AdvertiserFunc func(port int) Runner

type Config struct {
	HTTPAddr        string
	MetricsAddr     string
	GRPCAddr        string
	ShutdownTimeout time.Duration
	HealthInterval  time.Duration
}

type Server struct {
	cfg       Config
	handler   http.Handler
	metrics   *api.Metrics
	link      Link
	advertise AdvertiserFunc
	log       *zap.Logger
	health    *health.Server

	ready chan struct{}
	addrs Addrs
}

// Addrs are the bound listener addresses, available once Ready is closed.
type Addrs struct {
	HTTP, Metrics, GRPC net.Addr
}

func New(cfg Config, handler http.Handler, metrics *api.Metrics, link Link, logger *zap.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		metrics: metrics,
		link:    link,
		log:     logger.Named("server"),
		health:  health.NewServer(),
		ready:   make(chan struct{}),
	}
}

// SetAdvertiser enables discovery advertisement. Must be called before Run.
func (s *Server) SetAdvertiser(fn AdvertiserFunc) { s.advertise = fn }

// Ready is closed once every listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addrs returns the bound addresses. Only valid after Ready is closed.
func (s *Server) Addrs() Addrs { return s.addrs }

// Run binds all listeners, notifies systemd, then blocks until ctx is
// cancelled or a task fails. Listeners are shut down gracefully.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	httpLis, err := lc.Listen(ctx, "tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", s.cfg.HTTPAddr, err)
	}
	metricsLis, err := lc.Listen(ctx, "tcp", s.cfg.MetricsAddr)
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("listen metrics %s: %w", s.cfg.MetricsAddr, err)
	}
	grpcLis, err := lc.Listen(ctx, "tcp", s.cfg.GRPCAddr)
	if err != nil {
		httpLis.Close()
		metricsLis.Close()
		return fmt.Errorf("listen grpc %s: %w", s.cfg.GRPCAddr, err)
	}
	s.addrs = Addrs{HTTP: httpLis.Addr(), Metrics: metricsLis.Addr(), GRPC: grpcLis.Addr()}

	httpSrv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	metricsMux := http.NewServeMux()
	api.RegisterMetrics(metricsMux, s.metrics)
	metricsSrv := &http.Server{Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}

	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, s.health)
	s.updateHealth()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.link.Run(ctx); err != nil {
			return fmt.Errorf("machine link: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("HTTP gateway listening.", zap.Stringer("addr", s.addrs.HTTP))
		return serveHTTP(httpSrv, httpLis)
	})
	g.Go(func() error {
		s.log.Info("Prometheus metrics listening.", zap.Stringer("addr", s.addrs.Metrics))
		return serveHTTP(metricsSrv, metricsLis)
	})
	g.Go(func() error {
		s.log.Info("gRPC health listening.", zap.Stringer("addr", s.addrs.GRPC))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.watchLink(ctx)
		return nil
	})
	if s.advertise != nil {
		adv := s.advertise(httpLis.Addr().(*net.TCPAddr).Port)
		g.Go(func() error {
			// Discovery is best effort; the gateway keeps serving without it.
			if err := adv.Run(ctx); err != nil {
				s.log.Warn("Discovery advertisement stopped.", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("Shutdown initiated.")
		if _, err := systemd.SdNotify(false, systemd.SdNotifyStopping); err != nil {
			s.log.Warn("Failed to notify systemd about shutdown.", zap.Error(err))
		}
		s.health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		return errors.Join(httpSrv.Shutdown(shutdownCtx), metricsSrv.Shutdown(shutdownCtx))
	})

	close(s.ready)
	if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		s.log.Error("Failed to notify systemd that the gateway is ready.", zap.Error(err))
	}

	err = g.Wait()
	s.log.Info("Shutdown complete.")
	return err
}

func serveHTTP(srv *http.Server, lis net.Listener) error {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// watchLink mirrors link connectivity into the health service and metrics.
func (s *Server) watchLink(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateHealth()
		}
	}
}

func (s *Server) updateHealth() {
	connected := s.link.Connected()
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, status)
	s.metrics.SetLinkConnected(connected)
}
