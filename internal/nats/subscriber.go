package natsclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Air-hive/Airhive-firmware-v2/internal/models"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Watch delivers machine events to fn until ctx is cancelled. Messages that
// do not decode are logged and skipped.
func Watch(ctx context.Context, url string, logger *zap.Logger, fn func(models.MachineEvent)) error {
	logger = logger.Named("nats")
	nc, err := nats.Connect(url, connectOptions("airhivectl", logger)...)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(Subject, func(msg *nats.Msg) {
		ev, err := DecodeEvent(msg.Data)
		if err != nil {
			logger.Warn("Skipping undecodable event.", zap.Error(err))
			return
		}
		fn(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	<-ctx.Done()
	return nil
}

// DecodeEvent parses one event payload.
func DecodeEvent(data []byte) (models.MachineEvent, error) {
	var ev models.MachineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.MachineEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Event == "" {
		return models.MachineEvent{}, fmt.Errorf("decode event: missing event name")
	}
	return ev, nil
}
