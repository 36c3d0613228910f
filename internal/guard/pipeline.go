package guard

import (
	"context"
	"fmt"
	"time"

	"testimony/pkg/testimony"
)

// PipelineContext is the mutable state shared by the stages and the handler of
// one pipeline run.
type PipelineContext struct {
	// Event is the inbound event being processed.
	Event *testimony.Event
	// Undo gives back policy budget consumed earlier in the run. Stages that
	// consume budget chain their undo handles onto it.
	Undo func()
	// Values carries stage-produced enrichment for later stages and the handler.
	Values map[string]any
}

// AddUndo chains fn onto the context's undo handle, newest first.
func (p *PipelineContext) AddUndo(fn func()) {
	if fn == nil {
		return
	}

	previous := p.Undo
	p.Undo = func() {
		fn()
		if previous != nil {
			previous()
		}
	}
}

// Stage is one pipeline step. Returning stop short-circuits the run; a
// stopping stage must already have produced the user-facing reply.
type Stage func(ctx context.Context, pc *PipelineContext) (stop bool, err error)

// Handler is the pipeline target, run once when every stage passes.
type Handler func(ctx context.Context, pc *PipelineContext) error

// DenyFunc replies to the actor when a policy stage denies the event.
type DenyFunc func(ctx context.Context, event *testimony.Event, retryAfter time.Duration) error

// Compose wires stages in order around handler and returns an event handler.
//
// A handler error triggers the accumulated undo so failed invocations do not
// consume policy budget.
func Compose(handler Handler, stages ...Stage) testimony.EventHandler {
	return func(ctx context.Context, event *testimony.Event) error {
		pc := &PipelineContext{
			Event:  event,
			Values: make(map[string]any),
		}

		for index, stage := range stages {
			stop, err := stage(ctx, pc)
			if err != nil {
				return fmt.Errorf("pipeline stage[%d]: %w", index, err)
			}
			if stop {
				return nil
			}
		}

		if err := handler(ctx, pc); err != nil {
			if pc.Undo != nil {
				pc.Undo()
			}

			return fmt.Errorf("pipeline handler: %w", err)
		}

		return nil
	}
}

// ThrottleStage gates the run on throttle, keyed by subcommand and the event
// actor. Denials reply through deny and stop the run.
func ThrottleStage(throttle *Throttle, subcommand string, deny DenyFunc) Stage {
	return func(ctx context.Context, pc *PipelineContext) (bool, error) {
		decision, err := throttle.Check(subcommand, pc.Event.Actor.ID)
		if err != nil {
			return false, fmt.Errorf("throttle %s: %w", subcommand, err)
		}
		if !decision.Allowed {
			if err := deny(ctx, pc.Event, decision.RetryAfter); err != nil {
				return false, fmt.Errorf("throttle %s deny reply: %w", subcommand, err)
			}

			return true, nil
		}

		pc.AddUndo(decision.Undo)

		return false, nil
	}
}

// RateLimitStage gates the run on limiter, keyed by subcommand and the event
// actor. Denials reply through deny and stop the run.
func RateLimitStage(limiter *RateLimit, subcommand string, limit int, window time.Duration, deny DenyFunc) Stage {
	return func(ctx context.Context, pc *PipelineContext) (bool, error) {
		decision, err := limiter.Check(subcommand, pc.Event.Actor.ID, limit, window)
		if err != nil {
			return false, fmt.Errorf("rate limit %s: %w", subcommand, err)
		}
		if !decision.Allowed {
			if err := deny(ctx, pc.Event, decision.RetryAfter); err != nil {
				return false, fmt.Errorf("rate limit %s deny reply: %w", subcommand, err)
			}

			return true, nil
		}

		pc.AddUndo(decision.Undo)

		return false, nil
	}
}
