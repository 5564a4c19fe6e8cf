package discovery

import "context"

// Registrar publishes service records.
type Registrar interface {
	// Register publishes rec and returns once the final instance name is
	// known. ctx bounds the registration step only; the registration itself
	// ends with Registration.Close.
	Register(ctx context.Context, rec ServiceRecord) (Registration, error)
}

// Registration is a live advertisement.
type Registration interface {
	// Name is the instance name actually published. It differs from the
	// requested name after a collision.
	Name() string
	// Done is closed when the advertisement stops without Close being called.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	// Close withdraws the advertisement and releases every transport resource.
	Close() error
}

// Browser reports changes to services of one type.
type Browser interface {
	// Browse sends events until ctx is cancelled. It never closes events.
	Browse(ctx context.Context, serviceType string, events chan<- Event) error
}

// Lookup fetches the full record of one named service.
type Lookup interface {
	Resolve(ctx context.Context, serviceType, name string) (ServiceRecord, error)
}
