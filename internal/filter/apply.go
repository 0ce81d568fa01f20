package filter

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sgerhart/aegisflux/analyzer/internal/model"
)

// cancelCheckInterval is how many records Apply evaluates between context checks
const cancelCheckInterval = 4096

// Apply filters records in a single pass. The empty filter returns the input
// slice itself.
func Apply(ctx context.Context, expr *Expression, records []*model.Record) ([]*model.Record, error) {
	if expr.IsEmpty() {
		return records, nil
	}

	out := make([]*model.Record, 0, len(records)/4)
	for i, r := range records {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if expr.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

type applyOp struct {
	id     uint64
	cancel context.CancelCauseFunc
}

// Applier runs filter operations where a newer operation on a target cancels
// the one in flight on the same target
type Applier struct {
	mu       sync.Mutex
	seq      uint64
	inflight map[string]*applyOp
	logger   *slog.Logger
}

// NewApplier creates a new applier
func NewApplier(logger *slog.Logger) *Applier {
	return &Applier{
		inflight: make(map[string]*applyOp),
		logger:   logger,
	}
}

// Apply filters records for target. A superseded call returns ErrSuperseded.
func (a *Applier) Apply(ctx context.Context, target string, expr *Expression, records []*model.Record) ([]*model.Record, error) {
	ctx, id := a.begin(ctx, target)
	defer a.finish(target, id)

	out, err := Apply(ctx, expr, records)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrSuperseded) {
			a.logger.Debug("Filter operation superseded", "target", target, "op", id)
			return nil, ErrSuperseded
		}
		return nil, err
	}
	return out, nil
}

// InFlight returns the number of targets with a running operation
func (a *Applier) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}

func (a *Applier) begin(parent context.Context, target string) (context.Context, uint64) {
	ctx, cancel := context.WithCancelCause(parent)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	if prev, ok := a.inflight[target]; ok {
		prev.cancel(ErrSuperseded)
	}
	a.inflight[target] = &applyOp{id: a.seq, cancel: cancel}
	return ctx, a.seq
}

func (a *Applier) finish(target string, id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	op, ok := a.inflight[target]
	if !ok || op.id != id {
		return
	}
	op.cancel(nil)
	delete(a.inflight, target)
}
