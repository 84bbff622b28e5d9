package payment

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/billcycle/ports"
)

// Step is one scripted processor response.
type Step struct {
	Outcome ports.ChargeOutcome
	Err     error
	// Delay blocks the charge until it elapses or the context is done.
	Delay time.Duration
}

// Succeed, Decline and Fail build common steps.
func Succeed() Step       { return Step{Outcome: ports.ChargeSucceeded} }
func Decline() Step       { return Step{Outcome: ports.ChargeDeclined} }
func Fail(err error) Step { return Step{Err: err} }

// Hang succeeds only after d, so short charge timeouts expire first.
func Hang(d time.Duration) Step { return Step{Outcome: ports.ChargeSucceeded, Delay: d} }

// ScriptedProcessor replays queued steps in order and records every request.
// When the script runs out it repeats Fallback.
type ScriptedProcessor struct {
	mu       sync.Mutex
	steps    []Step
	Fallback Step
	requests []ports.ChargeRequest
}

// NewScriptedProcessor creates a processor that plays steps, then succeeds.
func NewScriptedProcessor(steps ...Step) *ScriptedProcessor {
	return &ScriptedProcessor{steps: steps, Fallback: Succeed()}
}

// Name returns the processor name.
func (p *ScriptedProcessor) Name() string {
	return "scripted"
}

// Push appends steps to the script.
func (p *ScriptedProcessor) Push(steps ...Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, steps...)
}

// Charge plays the next step.
func (p *ScriptedProcessor) Charge(ctx context.Context, req ports.ChargeRequest) (ports.ChargeResult, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	step := p.Fallback
	if len(p.steps) > 0 {
		step = p.steps[0]
		p.steps = p.steps[1:]
	}
	p.mu.Unlock()

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ports.ChargeResult{}, ctx.Err()
		}
	}
	if step.Err != nil {
		return ports.ChargeResult{}, step.Err
	}
	result := ports.ChargeResult{Outcome: step.Outcome}
	if step.Outcome == ports.ChargeSucceeded {
		result.Reference = "ch_scripted_" + req.InvoiceID
	} else {
		result.Reason = "scripted_decline"
	}
	return result, nil
}

// Requests returns a copy of every charge request seen so far.
func (p *ScriptedProcessor) Requests() []ports.ChargeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.ChargeRequest(nil), p.requests...)
}

// Ensure interface compliance.
var _ ports.PaymentProcessor = (*ScriptedProcessor)(nil)
