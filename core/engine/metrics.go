package engine

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

type engineMetrics struct {
	started        metric.Int64Counter
	committed      metric.Int64Counter
	aborted        metric.Int64Counter
	timedOut       metric.Int64Counter
	bytesCommitted metric.Int64Counter
	protocolErrors metric.Int64Counter
	live           metric.Int64UpDownCounter
}

func newEngineMetrics(meter metric.Meter) (*engineMetrics, error) {
	m := &engineMetrics{}
	var err error

	if m.started, err = meter.Int64Counter("gojofs_transactions_started_total",
		metric.WithDescription("Transactions opened with NEW_TXN or restored at startup.")); err != nil {
		return nil, err
	}
	if m.committed, err = meter.Int64Counter("gojofs_transactions_committed_total",
		metric.WithDescription("Transactions whose buffered writes reached disk.")); err != nil {
		return nil, err
	}
	if m.aborted, err = meter.Int64Counter("gojofs_transactions_aborted_total",
		metric.WithDescription("Transactions discarded on client request.")); err != nil {
		return nil, err
	}
	if m.timedOut, err = meter.Int64Counter("gojofs_transactions_timed_out_total",
		metric.WithDescription("Transactions discarded by the timeout watcher.")); err != nil {
		return nil, err
	}
	if m.bytesCommitted, err = meter.Int64Counter("gojofs_bytes_committed_total",
		metric.WithDescription("Payload bytes appended to data files by commits.")); err != nil {
		return nil, err
	}
	if m.protocolErrors, err = meter.Int64Counter("gojofs_protocol_errors_total",
		metric.WithDescription("ERROR responses returned to clients.")); err != nil {
		return nil, err
	}
	if m.live, err = meter.Int64UpDownCounter("gojofs_transactions_live",
		metric.WithDescription("Transactions currently open.")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) add(c metric.Int64Counter, n int64) {
	c.Add(context.Background(), n)
}
