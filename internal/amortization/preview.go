package amortization

import (
	"context"
	"fmt"
	"sync"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

// ErrSuperseded is returned to a preview request replaced by a newer one.
var ErrSuperseded = fmt.Errorf("%w: preview superseded by a newer request", shared.ErrConflict)

// Preview is a computed schedule that has not been stored.
type Preview struct {
	Params  ScheduleParams  `json:"params"`
	Lines   []ScheduleLine  `json:"installments"`
	Summary ScheduleSummary `json:"summary"`
}

// CalculatePreview computes the schedule and summary of p without storing anything.
func (s *Service) CalculatePreview(ctx context.Context, p ScheduleParams) (Preview, error) {
	return calculatePreview(ctx, p)
}

func calculatePreview(ctx context.Context, p ScheduleParams) (Preview, error) {
	if err := ctx.Err(); err != nil {
		return Preview{}, err
	}
	p.StartDate = dateOnly(p.StartDate)
	lines, err := Generate(p)
	if err != nil {
		return Preview{}, err
	}
	if err := ctx.Err(); err != nil {
		return Preview{}, err
	}
	return Preview{Params: p, Lines: lines, Summary: Summarize(lines)}, nil
}

// Previewer serves interactive previews where only the latest request counts.
// Each Submit cancels the request before it and only the newest result is
// published to Latest.
type Previewer struct {
	calculate func(context.Context, ScheduleParams) (Preview, error)

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
	latest *Preview
}

// NewPreviewer wraps calculate. A nil calculate uses the schedule calculator.
func NewPreviewer(calculate func(context.Context, ScheduleParams) (Preview, error)) *Previewer {
	if calculate == nil {
		calculate = calculatePreview
	}
	return &Previewer{calculate: calculate}
}

// Submit computes a preview for p. It returns ErrSuperseded when another Submit
// started before this one finished.
func (p *Previewer) Submit(ctx context.Context, params ScheduleParams) (Preview, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.seq++
	seq := p.seq
	p.cancel = cancel
	p.mu.Unlock()

	preview, err := p.calculate(ctx, params)

	p.mu.Lock()
	defer p.mu.Unlock()
	if seq != p.seq {
		return Preview{}, ErrSuperseded
	}
	p.cancel = nil
	if err != nil {
		return Preview{}, err
	}
	p.latest = &preview
	return preview, nil
}

// Latest returns the most recently published preview.
func (p *Previewer) Latest() (Preview, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return Preview{}, false
	}
	return *p.latest, true
}
