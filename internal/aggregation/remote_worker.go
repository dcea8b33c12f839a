package aggregation

import (
	"context"
	"log/slog"
	"time"

	"github.com/aevon-lab/metricflow/internal/core/metrics"
	"github.com/aevon-lab/metricflow/internal/core/partition"
	"github.com/aevon-lab/metricflow/internal/core/telemetry"
	"github.com/aevon-lab/metricflow/internal/remote"
)

const defaultSendTimeout = 5 * time.Second

// RemoteWorker routes flushed L1 records to the node owning their key.
// Failed sends are logged and counted, never retried.
type RemoteWorker struct {
	stream   string
	sender   remote.Sender
	selector partition.Selector
	tel      *telemetry.Metrics
	timeout  time.Duration

	// OnResult, when set, observes every dispatch.
	OnResult func(remote.DispatchResult)
}

func NewRemoteWorker(stream string, sender remote.Sender, selector partition.Selector, tel *telemetry.Metrics) *RemoteWorker {
	if selector == nil {
		selector = partition.HashSelector{}
	}
	return &RemoteWorker{
		stream:   stream,
		sender:   sender,
		selector: selector,
		tel:      tel,
		timeout:  defaultSendTimeout,
	}
}

func (w *RemoteWorker) Accept(m metrics.Metrics) { w.Dispatch(m) }

// Dispatch sends m to its owning node and reports the outcome.
func (w *RemoteWorker) Dispatch(m metrics.Metrics) remote.DispatchResult {
	res := remote.DispatchResult{Stream: w.stream}
	if n := w.sender.Size(); n > 0 {
		res.Target = w.selector.Select(m.Key(), n)
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		res.Err = w.sender.Send(ctx, res.Target, w.stream, m)
		cancel()
	} else {
		res.Err = remote.ErrNoReceiver
	}

	if res.OK() {
		w.tel.RemoteSend.WithLabelValues(w.stream, "ok").Inc()
	} else {
		w.tel.RemoteSend.WithLabelValues(w.stream, "error").Inc()
		slog.Warn("[RemoteWorker] Send failed, record dropped",
			"stream", w.stream,
			"target", res.Target,
			"key", m.Key().String(),
			"error", res.Err,
		)
	}
	if w.OnResult != nil {
		w.OnResult(res)
	}
	return res
}
