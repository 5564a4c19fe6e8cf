package link

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Sim is an in-memory machine. Every transmitted command is acknowledged
// immediately and recorded. It is used when no serial port is configured.
type Sim struct {
	q   *queue
	log *zap.Logger

	connected atomic.Bool
	baud      atomic.Int64

	mu   sync.Mutex
	sent []string
}

// NewSim returns a connected simulated link.
func NewSim(logger *zap.Logger, txBufferBytes int) *Sim {
	s := &Sim{
		q:   newQueue(txBufferBytes),
		log: logger.Named("link.sim"),
	}
	s.connected.Store(true)
	return s
}

func (s *Sim) Enqueue(cmds []string) error { return s.q.push(cmds) }

func (s *Sim) ClearQueue() {
	if n := s.q.clear(); n > 0 {
		s.log.Info("Dropped queued commands.", zap.Int("count", n))
	}
}

func (s *Sim) SetPaused(paused bool) { s.q.setPaused(paused) }

func (s *Sim) Reconfigure(baudRate int) {
	s.baud.Store(int64(baudRate))
	s.log.Info("Link reconfigured.", zap.Int("baud_rate", baudRate))
}

func (s *Sim) Connected() bool { return s.connected.Load() }

// SetConnected overrides the reported link health.
func (s *Sim) SetConnected(connected bool) { s.connected.Store(connected) }

// BaudRate returns the last applied baud rate, or 0 if none was applied.
func (s *Sim) BaudRate() int { return int(s.baud.Load()) }

// Pending returns the number of queued, untransmitted commands.
func (s *Sim) Pending() int { return s.q.len() }

// Sent returns a copy of every command transmitted so far.
func (s *Sim) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// Run transmits queued commands until ctx is cancelled.
func (s *Sim) Run(ctx context.Context) error {
	for {
		cmd, err := s.q.next(ctx)
		if err != nil {
			return nil
		}
		s.mu.Lock()
		s.sent = append(s.sent, cmd)
		s.mu.Unlock()
		s.log.Debug("Command transmitted.", zap.String("command", cmd))
	}
}
