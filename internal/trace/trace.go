// Package trace exports per-step decode telemetry to an Arrow Flight
// collector. Steps are buffered into Arrow records and shipped in
// batches over a DoPut stream, so a slow collector never sits on the
// decode path.
package trace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/windlass-ml/windlass/internal/logger"
)

// Step is one decode step observation.
type Step struct {
	SessionID string
	Step      int
	Token     int
	Position  int
	Duration  time.Duration
	Timestamp time.Time
}

// StepSchema is the Arrow schema of the exported stream.
var StepSchema = arrow.NewSchema([]arrow.Field{
	{Name: "session_id", Type: arrow.BinaryTypes.String},
	{Name: "step", Type: arrow.PrimitiveTypes.Int64},
	{Name: "token", Type: arrow.PrimitiveTypes.Int64},
	{Name: "position", Type: arrow.PrimitiveTypes.Int64},
	{Name: "duration_ns", Type: arrow.PrimitiveTypes.Int64},
	{Name: "timestamp_ns", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// batch accumulates steps into Arrow arrays.
type batch struct {
	builder *array.RecordBuilder
	rows    int
}

func newBatch() *batch {
	return &batch{builder: array.NewRecordBuilder(memory.DefaultAllocator, StepSchema)}
}

func (b *batch) append(s Step) {
	b.builder.Field(0).(*array.StringBuilder).Append(s.SessionID)
	b.builder.Field(1).(*array.Int64Builder).Append(int64(s.Step))
	b.builder.Field(2).(*array.Int64Builder).Append(int64(s.Token))
	b.builder.Field(3).(*array.Int64Builder).Append(int64(s.Position))
	b.builder.Field(4).(*array.Int64Builder).Append(int64(s.Duration))
	b.builder.Field(5).(*array.Int64Builder).Append(s.Timestamp.UnixNano())
	b.rows++
}

// take drains the accumulated rows into a record. Caller releases it.
func (b *batch) take() arrow.Record {
	b.rows = 0
	return b.builder.NewRecord()
}

func (b *batch) release() {
	b.builder.Release()
}

// Exporter ships step batches to a Flight endpoint. Safe for use from
// multiple session goroutines. A nil *Exporter is a no-op, so callers
// can thread it through unconditionally.
type Exporter struct {
	client flight.Client
	writer *flight.Writer

	mu        sync.Mutex
	buf       *batch
	batchSize int
	closed    bool
}

// Dial connects to a Flight collector and opens the upload stream.
func Dial(ctx context.Context, addr string, batchSize int) (*Exporter, error) {
	if batchSize <= 0 {
		batchSize = 64
	}
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("trace dial %s: %w", addr, err)
	}

	stream, err := client.DoPut(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("trace DoPut: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(StepSchema))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"windlass", "steps"},
	})

	logger.Log.Info("trace exporter connected", "addr", addr, "batch_size", batchSize)
	return &Exporter{
		client:    client,
		writer:    writer,
		buf:       newBatch(),
		batchSize: batchSize,
	}, nil
}

// Record buffers one step, flushing when the batch fills. Errors are
// logged, not returned: tracing must never fail a generation.
func (e *Exporter) Record(s Step) {
	if e == nil {
		return
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.buf.append(s)
	if e.buf.rows >= e.batchSize {
		e.flushLocked()
	}
}

// Flush sends any buffered steps immediately.
func (e *Exporter) Flush() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed && e.buf.rows > 0 {
		e.flushLocked()
	}
}

func (e *Exporter) flushLocked() {
	rec := e.buf.take()
	defer rec.Release()
	if err := e.writer.Write(rec); err != nil {
		logger.Log.Warn("trace write failed", "error", err, "rows", rec.NumRows())
	}
}

// Close flushes, ends the stream, and tears down the connection.
func (e *Exporter) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	if e.buf.rows > 0 {
		e.flushLocked()
	}
	e.buf.release()

	err := e.writer.Close()
	if cerr := e.client.Close(); err == nil {
		err = cerr
	}
	return err
}
