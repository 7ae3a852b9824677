package supervisor

import (
	"context"

	"github.com/roach88/realmsup/internal/ir"
)

// Record is a journal entry.
type Record = ir.Record

// Journal persists supervision records. Implemented by *store.Store.
// Write failures are logged and never stop the loop.
type Journal interface {
	WriteRecord(ctx context.Context, rec ir.Record) error
	WriteBinding(ctx context.Context, b ir.Binding) error
}

// Recorder receives counter updates. Implemented by *telemetry.Metrics.
type Recorder interface {
	Message(ctx context.Context, supervisor, category string)
	Fault(ctx context.Context, supervisor, component string)
	Anomaly(ctx context.Context, supervisor, code string)
	Reply(ctx context.Context, supervisor string)
	Registration(ctx context.Context, supervisor, component string)
}

type nopJournal struct{}

func (nopJournal) WriteRecord(context.Context, ir.Record) error   { return nil }
func (nopJournal) WriteBinding(context.Context, ir.Binding) error { return nil }
