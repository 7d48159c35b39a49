// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package saga runs an ordered list of steps with per-step compensations.
// On failure the compensations of completed steps run in reverse order.
package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/strandhq/strand/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("saga")
		log = &l
	})
	return log
}

// Step is one unit of a saga. Compensate may be nil for steps with no
// resource to unwind.
type Step struct {
	Name       string
	Action     func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Saga is a linear sequence of steps.
type Saga struct {
	name  string
	steps []Step
}

// New creates an empty saga.
func New(name string) *Saga {
	return &Saga{name: name}
}

// AddStep appends a step and returns the saga for chaining.
func (s *Saga) AddStep(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Run executes the steps in order. If a step fails, the compensations of all
// previously completed steps run in reverse and the step's error is returned
// wrapped with the step name. Compensation failures are logged, never
// propagated: unwinding is best-effort.
func (s *Saga) Run(ctx context.Context) error {
	completed := make([]Step, 0, len(s.steps))

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			s.unwind(completed)
			return fmt.Errorf("saga %s cancelled before step %s: %w", s.name, step.Name, err)
		}

		getLog().Debug().Str("saga", s.name).Str("step", step.Name).Msg("Running saga step")
		if err := step.Action(ctx); err != nil {
			getLog().Warn().Err(err).Str("saga", s.name).Str("step", step.Name).Msg("Saga step failed, unwinding")
			s.unwind(completed)
			return fmt.Errorf("saga %s step %s: %w", s.name, step.Name, err)
		}
		completed = append(completed, step)
	}

	return nil
}

// unwind runs compensations for completed steps in reverse order using a
// fresh context: the original may already be cancelled, and resources must
// still be released.
func (s *Saga) unwind(completed []Step) {
	ctx := context.Background()
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			getLog().Error().Err(err).Str("saga", s.name).Str("step", step.Name).Msg("Saga compensation failed")
		}
	}
}
