package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mltrack/dashboard/internal/observability"
	"github.com/mltrack/dashboard/internal/run"
)

// asyncRunWriter is the slice of *run.Writer the serve path depends on,
// kept as an interface so shutdown tests can substitute the writer.
type asyncRunWriter interface {
	Start(ctx context.Context)
	Enqueue(r *run.Run) bool
	Stop()
	Shutdown(ctx context.Context) error
	RunPipelineDiagnostics() run.RunPipelineDiagnostics
}

type runWriteFailureHandlerSetter interface {
	SetWriteFailureHandler(handler run.WriteFailureHandler)
}

type runWriterMetricsSetter interface {
	SetMetrics(m *run.WriterMetrics)
}

type runWriterQueueLenProvider interface {
	QueueLen() int
}

var newRunWriter = func(store run.RunStore, bufferSize int) asyncRunWriter {
	return run.NewWriter(store, bufferSize)
}

func shutdownRunWriter(logger *slog.Logger, writer asyncRunWriter, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		if logger != nil {
			logger.Error(
				"failed to flush pending runs before shutdown",
				"error", err,
				"timeout", timeout.String(),
			)
		}
		return
	}

	if logger != nil {
		logger.Info("flushed pending runs before shutdown", "duration_ms", time.Since(start).Milliseconds())
	}
}

func attachRunWriterMetrics(writer asyncRunWriter, otelRuntime *observability.Runtime) {
	if writer == nil || otelRuntime == nil || !otelRuntime.Enabled() {
		return
	}

	if qlp, ok := writer.(runWriterQueueLenProvider); ok {
		otelRuntime.RegisterRunQueueDepthGauge(qlp.QueueLen)
	}

	ms, ok := writer.(runWriterMetricsSetter)
	if !ok {
		return
	}
	ms.SetMetrics(&run.WriterMetrics{
		OnEnqueue:    otelRuntime.RecordRunEnqueued,
		OnDrop:       otelRuntime.RecordRunQueueDrop,
		OnFlush:      otelRuntime.RecordRunFlush,
		OnWriteStart: otelRuntime.MakeWriteSpanHook(),
	})
}

func attachRunWriterFailureLogging(logger *slog.Logger, writer asyncRunWriter, otelRuntime *observability.Runtime, storageDriver string) {
	if logger == nil || writer == nil {
		return
	}

	handlerSetter, ok := writer.(runWriteFailureHandlerSetter)
	if !ok {
		return
	}

	handlerSetter.SetWriteFailureHandler(func(failure run.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		if otelRuntime != nil {
			otelRuntime.RecordRunWriteFailure(failure.Operation, failure.FailedCount, failure.ErrorClass, storageDriver)
		}
		logger.Error(
			"run persistence failed; dropped run records",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error_kind", fmt.Sprintf("%T", failure.Err),
		)
	})
}
