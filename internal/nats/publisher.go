package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Air-hive/Airhive-firmware-v2/internal/models"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subject carries every MachineEvent.
const Subject = "airhive.machine.events"

// Publisher sends machine events to NATS. The connection reconnects forever.
type Publisher struct {
	nc  *nats.Conn
	url string
}

func connectOptions(name string, logger *zap.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected.", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected.", zap.String("url", nc.ConnectedUrl()))
		}),
	}
}

func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, connectOptions("airhive-gateway", logger.Named("nats"))...)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, url: url}, nil
}

// PublishEvent encodes ev as JSON and publishes it on Subject.
func (p *Publisher) PublishEvent(ctx context.Context, ev models.MachineEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.Publish(ctx, Subject, payload)
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
