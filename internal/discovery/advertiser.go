package discovery

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Advertiser keeps one ServiceRecord registered for as long as Run runs.
type Advertiser struct {
	registrar Registrar
	record    ServiceRecord
	log       *zap.Logger

	mu  sync.Mutex
	reg Registration
}

// NewAdvertiser prepares rec for registration. Properties are published as
// given; a gateway advertises none.
func NewAdvertiser(registrar Registrar, rec ServiceRecord, logger *zap.Logger) *Advertiser {
	if rec.Type == "" {
		rec.Type = DefaultServiceType
	}
	return &Advertiser{
		registrar: registrar,
		record:    rec,
		log:       logger.Named("advertiser"),
	}
}

// Run registers the record, holds the registration until ctx is cancelled,
// then withdraws it. It returns an error if the transport drops the
// advertisement on its own.
func (a *Advertiser) Run(ctx context.Context) error {
	reg, err := a.registrar.Register(ctx, a.record)
	if err != nil {
		return fmt.Errorf("register %q: %w", a.record.Name, err)
	}

	a.mu.Lock()
	a.reg = reg
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.reg = nil
		a.mu.Unlock()
		if err := reg.Close(); err != nil {
			a.log.Warn("Failed to withdraw advertisement.", zap.Error(err))
			return
		}
		a.log.Info("Advertisement withdrawn.", zap.String("name", reg.Name()))
	}()

	fields := []zap.Field{
		zap.String("name", reg.Name()),
		zap.String("type", a.record.Type),
		zap.Int("port", a.record.Port),
	}
	if reg.Name() != a.record.Name {
		fields = append(fields, zap.String("requested", a.record.Name))
	}
	a.log.Info("Service advertised.", fields...)

	select {
	case <-ctx.Done():
		return nil
	case <-reg.Done():
		return fmt.Errorf("advertisement %q stopped: %w", reg.Name(), reg.Err())
	}
}

// Name returns the published instance name, or "" when not registered.
func (a *Advertiser) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reg == nil {
		return ""
	}
	return a.reg.Name()
}
