package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tarm/serial"
	"go.uber.org/zap"
)

const (
	// DefaultAckTimeout bounds the wait for a per-command acknowledgement.
	DefaultAckTimeout = time.Second
	// DefaultBaudRate is used until a configuration is applied.
	DefaultBaudRate = 115200

	commandSeparator = '\n'
	maxResponseSize  = 512
	readTimeout      = 200 * time.Millisecond
	maxFastEOFs      = 3
)

var errReopen = errors.New("reopen requested")

// SerialConfig describes the serial connection to the machine.
type SerialConfig struct {
	Port          string
	BaudRate      int
	AckTimeout    time.Duration
	TxBufferBytes int
}

// Opener opens a serial port. Tests replace it with an in-memory pipe.
type Opener func(*serial.Config) (io.ReadWriteCloser, error)

func openSerial(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c)
}

// Serial transmits commands over a serial port. The port is opened (and
// reopened after errors or baud changes) in the background by Run.
type Serial struct {
	cfg  SerialConfig
	q    *queue
	log  *zap.Logger
	open Opener

	newBackOff func() backoff.BackOff

	connected atomic.Bool
	baud      atomic.Int64
	reopen    chan struct{}

	// pending is a popped command that has not been written yet. Only
	// touched by the Run goroutine.
	pending    string
	hasPending bool
}

// SerialOption configures a Serial link.
type SerialOption func(*Serial)

// WithOpener replaces the function used to open the port.
func WithOpener(open Opener) SerialOption {
	return func(s *Serial) { s.open = open }
}

// WithBackOff replaces the reopen retry policy.
func WithBackOff(newBackOff func() backoff.BackOff) SerialOption {
	return func(s *Serial) { s.newBackOff = newBackOff }
}

// NewSerial creates a serial link. The port is not opened until Run.
func NewSerial(cfg SerialConfig, logger *zap.Logger, opts ...SerialOption) *Serial {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	s := &Serial{
		cfg:  cfg,
		q:    newQueue(cfg.TxBufferBytes),
		log:  logger.Named("link.serial").With(zap.String("port", cfg.Port)),
		open: openSerial,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(100*time.Millisecond),
				backoff.WithMaxInterval(5*time.Second),
				backoff.WithMaxElapsedTime(0),
			)
		},
		reopen: make(chan struct{}, 1),
	}
	s.baud.Store(int64(cfg.BaudRate))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Serial) Enqueue(cmds []string) error { return s.q.push(cmds) }

func (s *Serial) ClearQueue() {
	if n := s.q.clear(); n > 0 {
		s.log.Info("Dropped queued commands.", zap.Int("count", n))
	}
}

func (s *Serial) SetPaused(paused bool) { s.q.setPaused(paused) }

func (s *Serial) Connected() bool { return s.connected.Load() }

// BaudRate returns the baud rate used for the next open.
func (s *Serial) BaudRate() int { return int(s.baud.Load()) }

func (s *Serial) Reconfigure(baudRate int) {
	s.baud.Store(int64(baudRate))
	select {
	case s.reopen <- struct{}{}:
	default:
	}
}

// Run keeps the port open and drains the queue until ctx is cancelled.
func (s *Serial) Run(ctx context.Context) error {
	for {
		port, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("open serial port: %w", err)
		}
		s.connected.Store(true)
		s.log.Info("Machine link open.", zap.Int("baud_rate", s.BaudRate()))

		err = s.serve(ctx, port)
		s.connected.Store(false)
		if cerr := port.Close(); cerr != nil {
			s.log.Debug("Close serial port.", zap.Error(cerr))
		}

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errReopen):
			s.log.Info("Reopening machine link.", zap.Int("baud_rate", s.BaudRate()))
		default:
			s.log.Warn("Machine link lost.", zap.Error(err))
		}
	}
}

func (s *Serial) connect(ctx context.Context) (io.ReadWriteCloser, error) {
	op := func() (io.ReadWriteCloser, error) {
		return s.open(&serial.Config{
			Name:        s.cfg.Port,
			Baud:        s.BaudRate(),
			Size:        7,
			Parity:      serial.ParityOdd,
			StopBits:    serial.Stop1,
			ReadTimeout: readTimeout,
		})
	}
	notify := func(err error, wait time.Duration) {
		s.log.Debug("Serial open failed, retrying.", zap.Error(err), zap.Duration("wait", wait))
	}
	port, err := backoff.RetryNotifyWithData(op, backoff.WithContext(s.newBackOff(), ctx), notify)
	if err != nil {
		return nil, err
	}
	// The new port already uses the latest baud rate.
	select {
	case <-s.reopen:
	default:
	}
	return port, nil
}

func (s *Serial) serve(ctx context.Context, port io.ReadWriter) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	acks := make(chan struct{}, 1)
	go func() {
		if err := s.readLoop(ctx, port, acks); err != nil {
			cancel(err)
		}
	}()
	go func() {
		select {
		case <-s.reopen:
			cancel(errReopen)
		case <-ctx.Done():
		}
	}()

	for {
		if !s.hasPending {
			cmd, err := s.q.next(ctx)
			if err != nil {
				return context.Cause(ctx)
			}
			s.pending, s.hasPending = cmd, true
		}

		select {
		case <-acks:
		default:
		}
		if _, err := port.Write(frame(s.pending)); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		cmd := s.pending
		s.pending, s.hasPending = "", false

		timer := time.NewTimer(s.cfg.AckTimeout)
		select {
		case <-acks:
			timer.Stop()
		case <-timer.C:
			s.log.Warn("Command not acknowledged.", zap.String("command", cmd), zap.Duration("timeout", s.cfg.AckTimeout))
		case <-ctx.Done():
			timer.Stop()
			return context.Cause(ctx)
		}
	}
}

func (s *Serial) readLoop(ctx context.Context, port io.Reader, acks chan<- struct{}) error {
	buf := make([]byte, maxResponseSize)
	line := make([]byte, 0, maxResponseSize)
	fastEOFs := 0
	for {
		start := time.Now()
		n, err := port.Read(buf)
		for _, b := range buf[:n] {
			if b == commandSeparator {
				s.handleLine(string(line), acks)
				line = line[:0]
				continue
			}
			if len(line) < maxResponseSize {
				line = append(line, b)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		// A read timeout surfaces as io.EOF. An EOF that returns well before
		// the timeout means the device went away.
		if errors.Is(err, io.EOF) {
			if n == 0 && time.Since(start) < readTimeout/4 {
				fastEOFs++
			} else {
				fastEOFs = 0
			}
			if fastEOFs >= maxFastEOFs {
				return fmt.Errorf("read: %w", io.ErrUnexpectedEOF)
			}
			continue
		}
		fastEOFs = 0
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (s *Serial) handleLine(line string, acks chan<- struct{}) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if strings.HasPrefix(line, "ok") {
		select {
		case acks <- struct{}{}:
		default:
		}
		return
	}
	s.log.Debug("Machine response.", zap.String("line", line))
}

func frame(cmd string) []byte {
	b := make([]byte, 0, len(cmd)+frameOverhead)
	b = append(b, commandSeparator)
	b = append(b, cmd...)
	return append(b, commandSeparator)
}
