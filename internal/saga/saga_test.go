// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaga_AllStepsRunInOrder(t *testing.T) {
	var order []string
	s := New("happy").
		AddStep(Step{Name: "a", Action: func(ctx context.Context) error {
			order = append(order, "a")
			return nil
		}}).
		AddStep(Step{Name: "b", Action: func(ctx context.Context) error {
			order = append(order, "b")
			return nil
		}})

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestSaga_FailureUnwindsInReverse(t *testing.T) {
	var events []string
	s := New("unwind").
		AddStep(Step{
			Name:       "branch",
			Action:     func(ctx context.Context) error { events = append(events, "branch"); return nil },
			Compensate: func(ctx context.Context) error { events = append(events, "undo-branch"); return nil },
		}).
		AddStep(Step{
			Name:       "worktree",
			Action:     func(ctx context.Context) error { events = append(events, "worktree"); return nil },
			Compensate: func(ctx context.Context) error { events = append(events, "undo-worktree"); return nil },
		}).
		AddStep(Step{
			Name:   "sandbox",
			Action: func(ctx context.Context) error { return errors.New("podman not found") },
			Compensate: func(ctx context.Context) error {
				events = append(events, "undo-sandbox")
				return nil
			},
		})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox")

	// The failed step's own compensation does not run.
	assert.Equal(t, []string{"branch", "worktree", "undo-worktree", "undo-branch"}, events)
}

func TestSaga_CompensationFailureDoesNotStopUnwind(t *testing.T) {
	var events []string
	s := New("besteffort").
		AddStep(Step{
			Name:       "first",
			Action:     func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { events = append(events, "undo-first"); return nil },
		}).
		AddStep(Step{
			Name:       "second",
			Action:     func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { return errors.New("cannot undo") },
		}).
		AddStep(Step{
			Name:   "third",
			Action: func(ctx context.Context) error { return errors.New("fail") },
		})

	require.Error(t, s.Run(context.Background()))
	assert.Equal(t, []string{"undo-first"}, events)
}

func TestSaga_NilCompensationSkipped(t *testing.T) {
	s := New("nilcomp").
		AddStep(Step{Name: "a", Action: func(ctx context.Context) error { return nil }}).
		AddStep(Step{Name: "b", Action: func(ctx context.Context) error { return errors.New("x") }})

	require.Error(t, s.Run(context.Background()))
}

func TestSaga_CancelledContextUnwinds(t *testing.T) {
	var undone bool
	ctx, cancel := context.WithCancel(context.Background())

	s := New("cancel").
		AddStep(Step{
			Name: "a",
			Action: func(ctx context.Context) error {
				cancel()
				return nil
			},
			Compensate: func(ctx context.Context) error { undone = true; return nil },
		}).
		AddStep(Step{Name: "b", Action: func(ctx context.Context) error { return nil }})

	err := s.Run(ctx)
	require.Error(t, err)
	assert.True(t, undone)
}
