package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Step represents a single unit of work in the Saga.
// Each step must have a compensating action to undo its effects.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	Compensate(ctx context.Context) error
}

type funcStep struct {
	name       string
	execute    func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

// NewStep builds a Step from two functions. compensate may be nil for steps
// with nothing to undo.
func NewStep(name string, execute, compensate func(ctx context.Context) error) Step {
	return &funcStep{name: name, execute: execute, compensate: compensate}
}

func (s *funcStep) Name() string { return s.name }

func (s *funcStep) Execute(ctx context.Context) error { return s.execute(ctx) }

func (s *funcStep) Compensate(ctx context.Context) error {
	if s.compensate == nil {
		return nil
	}
	return s.compensate(ctx)
}

// CompensationError is returned when a step failed and undoing the earlier
// steps failed too. It unwraps to both the step error and the compensation
// errors.
type CompensationError struct {
	StepErr error
	Err     error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("%v (compensation failed: %v)", e.StepErr, e.Err)
}

func (e *CompensationError) Unwrap() []error {
	return []error{e.StepErr, e.Err}
}

// Orchestrator manages the execution of a collection of Steps.
type Orchestrator struct {
	steps          []Step
	succeeded      []Step
	logger         *zap.Logger
	compensateWait time.Duration
}

// NewOrchestrator returns an orchestrator for steps, run in order.
func NewOrchestrator(logger *zap.Logger, steps ...Step) *Orchestrator {
	return &Orchestrator{
		steps:          steps,
		logger:         logger,
		compensateWait: 15 * time.Second,
	}
}

// Start runs the saga steps sequentially.
// If a step fails, it triggers the compensation of all previously successful steps.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, step := range o.steps {
		o.logger.Debug("executing step", zap.String("step", step.Name()))
		if err := step.Execute(ctx); err != nil {
			o.logger.Info("step failed, starting rollback", zap.String("step", step.Name()), zap.Error(err))
			if cerr := o.Rollback(ctx); cerr != nil {
				return &CompensationError{StepErr: err, Err: cerr}
			}
			return err
		}
		// Track successful step for potential compensation (LIFO)
		o.succeeded = append(o.succeeded, step)
	}
	return nil
}

// Rollback compensates every successful step in reverse order. It runs on a
// context detached from ctx's cancellation, so a timed out saga still undoes
// its work. Compensated steps are forgotten; calling Rollback again only
// retries the ones that failed.
func (o *Orchestrator) Rollback(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.compensateWait)
	defer cancel()

	var errs []error
	var failed []Step
	for i := len(o.succeeded) - 1; i >= 0; i-- {
		step := o.succeeded[i]
		o.logger.Debug("compensating step", zap.String("step", step.Name()))
		if err := step.Compensate(ctx); err != nil {
			o.logger.Error("CRITICAL: failed to compensate step", zap.String("step", step.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", step.Name(), err))
			failed = append([]Step{step}, failed...)
		}
	}
	o.succeeded = failed
	return errors.Join(errs...)
}
