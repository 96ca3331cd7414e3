package valuation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lanzo/backend/internal/domain"
)

const (
	MessageCalculateStats = "CALCULATE_STATS"
	MessageStatsResult    = "STATS_RESULT"
)

var ErrWorkerUnavailable = errors.New("valuation worker unavailable")

type Message struct {
	Type string `json:"type"`
}

type Payload struct {
	InventoryValueCents int64 `json:"inventoryValue"`
}

type Response struct {
	Success bool    `json:"success"`
	Type    string  `json:"type"`
	Payload Payload `json:"payload"`
	Error   string  `json:"error,omitempty"`
}

type envelope struct {
	ctx   context.Context
	msg   Message
	reply chan Response
}

// Worker runs valuation scans on its own goroutine. Callers talk to it only
// through messages; it shares no state with them and never writes.
type Worker struct {
	repo     Repository
	logger   *zap.Logger
	requests chan envelope
}

func NewWorker(repo Repository, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		repo:     repo,
		logger:   logger.Named("valuation-worker"),
		requests: make(chan envelope),
	}
}

// Run serves requests until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("valuation worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("valuation worker stopped")
			return ctx.Err()
		case env := <-w.requests:
			env.reply <- w.handle(env.ctx, env.msg)
		}
	}
}

// Send delivers msg and waits for the reply or for ctx to end.
func (w *Worker) Send(ctx context.Context, msg Message) (Response, error) {
	env := envelope{ctx: ctx, msg: msg, reply: make(chan Response, 1)}
	select {
	case w.requests <- env:
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%w: %w", ErrWorkerUnavailable, ctx.Err())
	}
	select {
	case resp := <-env.reply:
		return resp, nil
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%w: %w", ErrWorkerUnavailable, ctx.Err())
	}
}

// Calculate asks for a fresh inventory value. timeout bounds the whole
// exchange when positive.
func (w *Worker) Calculate(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := w.Send(ctx, Message{Type: MessageCalculateStats})
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("%w: %s", ErrWorkerUnavailable, resp.Error)
	}
	return resp.Payload.InventoryValueCents, nil
}

func (w *Worker) handle(ctx context.Context, msg Message) Response {
	if msg.Type != MessageCalculateStats {
		return Response{Type: msg.Type, Error: "unsupported message " + msg.Type}
	}
	snap, err := Scan(ctx, w.repo)
	if err != nil {
		w.logger.Warn("valuation scan failed", zap.Error(err))
		return Response{Type: MessageStatsResult, Error: err.Error()}
	}
	return Response{
		Success: true,
		Type:    MessageStatsResult,
		Payload: Payload{InventoryValueCents: snap.ValueCents},
	}
}

type Calculator interface {
	Calculate(ctx context.Context, timeout time.Duration) (int64, error)
}

// Refresh asks calc for a fresh value and stores it. When calc fails the
// last stored value (zero if none) is returned with the error. A result
// computed before a concurrent Adjust is dropped in favour of the stored
// value.
func (t *Tracker) Refresh(ctx context.Context, calc Calculator, timeout time.Duration) (int64, error) {
	start := t.generation()
	value, err := calc.Calculate(ctx, timeout)
	if err != nil {
		last := int64(0)
		if summary, lerr := t.repo.GetInventorySummary(ctx); lerr == nil {
			last = summary.ValueCents
		}
		t.logger.Warn("falling back to last known inventory value", zap.Int64("value_cents", last), zap.Error(err))
		return last, err
	}

	t.mu.Lock()
	if t.gen != start {
		t.mu.Unlock()
		return t.stored(ctx)
	}
	defer t.mu.Unlock()
	if err := t.repo.PutInventorySummary(ctx, domain.InventorySummary{ValueCents: value, UpdatedAt: t.now()}); err != nil {
		return value, fmt.Errorf("persist inventory summary: %w", err)
	}
	return value, nil
}

// Calculate scans on the caller's goroutine, so a Tracker can stand in for a
// Worker when none is running.
func (t *Tracker) Calculate(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	snap, err := Scan(ctx, t.repo)
	if err != nil {
		return 0, err
	}
	return snap.ValueCents, nil
}
