package verification

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes one request body and returns the reply body.
type Handler func(ctx context.Context, data []byte) []byte

// Broker is the request/reply channel between the authority and the services
// that verify tokens remotely. Implementations must dispatch concurrent
// requests independently; a slow consumer must not serialize the rest.
type Broker interface {
	// Request publishes data on subject and blocks for the reply or ctx.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	// Subscribe registers the handler for a subject. One handler per subject.
	Subscribe(subject string, handler Handler) error
}

// InProcBroker carries requests over channels inside a single process. It
// stands in for an external message broker in tests and single-binary
// deployments while keeping the same request/reply contract.
type InProcBroker struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewInProcBroker() *InProcBroker {
	return &InProcBroker{handlers: make(map[string]Handler)}
}

func (b *InProcBroker) Subscribe(subject string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.handlers[subject]; dup {
		return fmt.Errorf("verification: subject %q already has a subscriber", subject)
	}
	b.handlers[subject] = handler
	return nil
}

// Request hands the payload to the subject's handler on its own goroutine and
// waits for the reply or the context deadline, whichever comes first.
func (b *InProcBroker) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	b.mu.RLock()
	handler, ok := b.handlers[subject]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("verification: no subscriber on subject %q", subject)
	}

	replyCh := make(chan []byte, 1)
	go func() {
		replyCh <- handler(ctx, data)
	}()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
