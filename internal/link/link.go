// Package link is the gateway side of the connection to the physical machine.
//
// A Link accepts validated commands into a bounded transmit queue and drains
// it towards the machine while not paused. Acknowledgement and timeout
// handling happen per command inside the link; callers never wait on the
// machine.
package link

import (
	"context"
	"errors"
)

// ErrQueueFull is returned when a batch does not fit in the transmit queue.
// Nothing from the batch is enqueued.
var ErrQueueFull = errors.New("link transmit queue full")

// DefaultTxBufferBytes fits any command batch that can arrive in a single
// 50 KiB request, including framing.
const DefaultTxBufferBytes = 64 << 10

// Link is what the machine controller needs from the hardware connection.
type Link interface {
	// Enqueue adds all commands or none of them.
	Enqueue(cmds []string) error
	// ClearQueue drops commands that have not been transmitted yet.
	ClearQueue()
	// SetPaused gates transmission without dropping queued commands.
	SetPaused(paused bool)
	// Reconfigure applies a new baud rate. It does not wait for the reopen.
	Reconfigure(baudRate int)
	// Connected reports whether the machine is currently reachable.
	Connected() bool
	// Run drains the queue until ctx is cancelled.
	Run(ctx context.Context) error
}
