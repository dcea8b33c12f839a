package aggregation

import "github.com/aevon-lab/metricflow/internal/core/metrics"

// TransWorker fans a minute record out to the coarser persistent workers before
// handing the original to the minute worker. Nil stages are skipped.
type TransWorker struct {
	Minute Acceptor
	Hour   Acceptor
	Day    Acceptor
	Month  Acceptor
}

func (t *TransWorker) Accept(m metrics.Metrics) {
	if t.Hour != nil {
		t.Hour.Accept(metrics.ToHour(m))
	}
	if t.Day != nil {
		t.Day.Accept(metrics.ToDay(m))
	}
	if t.Month != nil {
		t.Month.Accept(metrics.ToMonth(m))
	}
	if t.Minute != nil {
		t.Minute.Accept(m)
	}
}
