// Package remote defines how aggregated records travel to the node that owns
// their key. The transport itself is pluggable; LocalSender loops records back
// into this process.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
)

// ErrNoReceiver is returned when no receiver is registered for a stream.
var ErrNoReceiver = errors.New("no receiver registered for stream")

// Receiver takes records addressed to one stream on this node.
type Receiver interface {
	Accept(m metrics.Metrics)
}

// Sender delivers a record to a target node. Implementations must not retry;
// callers treat every error as a dropped record.
type Sender interface {
	// Size is the number of nodes records can be routed to.
	Size() int
	Send(ctx context.Context, target int, stream string, m metrics.Metrics) error
}

// DispatchResult reports where a record went and whether sending failed.
type DispatchResult struct {
	Stream string
	Target int
	Err    error
}

func (r DispatchResult) OK() bool { return r.Err == nil }

// LocalSender is a single-node Sender that hands records straight to the
// receiver registered for the stream.
type LocalSender struct {
	mu        sync.RWMutex
	receivers map[string]Receiver
}

func NewLocalSender() *LocalSender {
	return &LocalSender{receivers: make(map[string]Receiver)}
}

// Register binds the receiver of a stream. Registering a stream twice is an error.
func (s *LocalSender) Register(stream string, r Receiver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.receivers[stream]; dup {
		return fmt.Errorf("remote: receiver for stream %q already registered", stream)
	}
	s.receivers[stream] = r
	return nil
}

func (s *LocalSender) Size() int { return 1 }

func (s *LocalSender) Send(_ context.Context, target int, stream string, m metrics.Metrics) error {
	if target != 0 {
		return fmt.Errorf("remote: target %d out of range for local sender", target)
	}
	s.mu.RLock()
	r, ok := s.receivers[stream]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("remote: %w: %s", ErrNoReceiver, stream)
	}
	r.Accept(m)
	return nil
}
