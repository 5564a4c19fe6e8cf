package machine

import (
	"context"
	"fmt"
	"sync"

	"github.com/Air-hive/Airhive-firmware-v2/internal/models"

	"go.uber.org/zap"
)

// Link is the part of the hardware link the controller drives. None of
// these calls may block on the machine.
type Link interface {
	Enqueue(cmds []string) error
	ClearQueue()
	SetPaused(paused bool)
	Reconfigure(baudRate int)
	Connected() bool
}

// SettingsStore persists the last applied settings.
type SettingsStore interface {
	SaveSettings(ctx context.Context, s models.Settings) error
}

// Controller owns the machine state and forwards intent to the link.
type Controller struct {
	link  Link
	store SettingsStore
	log   *zap.Logger

	mu       sync.Mutex
	state    models.MachineState
	settings models.Settings
}

// Option configures a Controller.
type Option func(*Controller)

// WithSettings seeds the settings applied at startup, e.g. loaded from the store.
func WithSettings(s models.Settings) Option {
	return func(c *Controller) { c.settings = s }
}

// WithStore persists applied settings. Without a store settings live in memory only.
func WithStore(s SettingsStore) Option {
	return func(c *Controller) { c.store = s }
}

// New creates a controller in the idle state. The link is paused until Start.
func New(link Link, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		link:  link,
		log:   logger.Named("machine"),
		state: models.StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.link.SetPaused(true)
	return c
}

// State returns the current machine state.
func (c *Controller) State() models.MachineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start moves IDLE to RUNNING and resumes transmission.
func (c *Controller) Start() error {
	return c.transition(models.StateIdle, models.StateRunning)
}

// Stop moves RUNNING to IDLE and pauses transmission. Queued commands are kept.
func (c *Controller) Stop() error {
	return c.transition(models.StateRunning, models.StateIdle)
}

// Clear always succeeds and leaves the state untouched. Commands still
// waiting in the link queue are dropped.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.link.ClearQueue()
	c.log.Info("Cleared pending commands.", zap.Stringer("state", c.state))
}

func (c *Controller) transition(from, to models.MachineState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != from {
		return fmt.Errorf("%w: machine is %s", ErrInvalidStateTransition, c.state)
	}
	c.state = to
	c.link.SetPaused(to != models.StateRunning)

	c.log.Info("Machine state changed.", zap.Stringer("from", from), zap.Stringer("to", to))
	return nil
}

// Submit hands a validated batch to the link. The batch is queued whole or
// not at all; the returned count always equals len(cmds) on success.
func (c *Controller) Submit(cmds []string) (int, error) {
	if err := c.link.Enqueue(cmds); err != nil {
		return 0, fmt.Errorf("enqueue %d commands: %w", len(cmds), err)
	}
	c.log.Debug("Commands accepted.", zap.Int("count", len(cmds)))
	return len(cmds), nil
}

// Connectivity reports the link health. It has no side effects.
func (c *Controller) Connectivity() models.Connectivity {
	if c.link.Connected() {
		return models.Connected
	}
	return models.Disconnected
}

// Settings returns the last applied settings.
func (c *Controller) Settings() models.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Configure applies validated settings regardless of the machine state.
// Re-applying the current settings is a successful no-op.
func (c *Controller) Configure(ctx context.Context, s models.Settings) error {
	if s.BaudRate <= 0 {
		return fmt.Errorf("%w: baud rate %d", ErrMalformedInput, s.BaudRate)
	}

	c.mu.Lock()
	changed := c.settings != s
	c.settings = s
	if changed {
		c.link.Reconfigure(s.BaudRate)
	}
	c.mu.Unlock()

	if !changed {
		return nil
	}
	c.log.Info("Machine configured.", zap.Int("baud_rate", s.BaudRate))

	if c.store != nil {
		if err := c.store.SaveSettings(ctx, s); err != nil {
			c.log.Warn("Failed to persist settings.", zap.Error(err))
		}
	}
	return nil
}
