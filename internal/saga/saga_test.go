package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type journal struct{ events []string }

func (j *journal) step(name string, execErr, compErr error) Step {
	return NewStep(name,
		func(ctx context.Context) error {
			j.events = append(j.events, "do "+name)
			return execErr
		},
		func(ctx context.Context) error {
			j.events = append(j.events, "undo "+name)
			return compErr
		})
}

func TestStart_AllStepsSucceed(t *testing.T) {
	j := &journal{}
	o := NewOrchestrator(zap.NewNop(), j.step("a", nil, nil), j.step("b", nil, nil))

	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, []string{"do a", "do b"}, j.events)
}

func TestStart_FailureCompensatesInReverse(t *testing.T) {
	j := &journal{}
	boom := errors.New("boom")
	o := NewOrchestrator(zap.NewNop(), j.step("a", nil, nil), j.step("b", nil, nil), j.step("c", boom, nil), j.step("d", nil, nil))

	err := o.Start(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"do a", "do b", "do c", "undo b", "undo a"}, j.events)
}

func TestStart_CompensationFailureIsReported(t *testing.T) {
	j := &journal{}
	boom := errors.New("boom")
	stuck := errors.New("stuck")
	o := NewOrchestrator(zap.NewNop(), j.step("a", nil, stuck), j.step("b", boom, nil))

	err := o.Start(context.Background())
	var ce *CompensationError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, stuck)

	// only the failed compensation is retried
	j.events = nil
	assert.ErrorIs(t, o.Rollback(context.Background()), stuck)
	assert.Equal(t, []string{"undo a"}, j.events)
}

func TestRollback_RunsAfterCancellation(t *testing.T) {
	j := &journal{}
	var sawCancelled bool
	undo := NewStep("reserve",
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error {
			sawCancelled = ctx.Err() != nil
			return nil
		})
	o := NewOrchestrator(zap.NewNop(), undo, j.step("fail", context.DeadlineExceeded, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, sawCancelled)
}

func TestNewStep_NilCompensate(t *testing.T) {
	s := NewStep("noop", func(ctx context.Context) error { return nil }, nil)
	assert.NoError(t, s.Compensate(context.Background()))
	assert.Equal(t, "noop", s.Name())
}
