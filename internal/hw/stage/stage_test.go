package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/LithoGo/internal/logic/geometry"
)

var (
	_ Stage = (*Mock)(nil)
	_ Stage = (*Grbl)(nil)
)

func TestMock_MovesAndRecords(t *testing.T) {
	m := NewMock(0)
	ctx := context.Background()
	require.NoError(t, m.MoveTo(ctx, geometry.Point{X: 10, Y: 20}))
	require.NoError(t, m.MoveTo(ctx, geometry.Point{X: -5, Y: 0}))

	pos, err := m.Position(ctx)
	require.NoError(t, err)
	assert.Equal(t, geometry.Point{X: -5, Y: 0}, pos)
	assert.Equal(t, []geometry.Point{{X: 10, Y: 20}, {X: -5, Y: 0}}, m.Targets())
}

func TestMock_TravelTimeRespectsContext(t *testing.T) {
	m := NewMock(1) // 1 µm/s: a 1 mm move takes far longer than the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.MoveTo(ctx, geometry.Point{X: 1000})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	pos, _ := m.Position(context.Background())
	assert.Equal(t, geometry.Point{}, pos, "an aborted move must not update the position")
}

func TestMock_SimulatedTravel(t *testing.T) {
	m := NewMock(10000) // 100 µm → 10 ms
	start := time.Now()
	require.NoError(t, m.MoveTo(context.Background(), geometry.Point{X: 100}))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestMock_FailOn(t *testing.T) {
	m := NewMock(0)
	boom := errors.New("limit switch")
	m.FailOn(1, boom)
	ctx := context.Background()

	require.NoError(t, m.MoveTo(ctx, geometry.Point{X: 1}))
	assert.ErrorIs(t, m.MoveTo(ctx, geometry.Point{X: 2}), boom)
	require.NoError(t, m.MoveTo(ctx, geometry.Point{X: 3}))
	assert.Len(t, m.Targets(), 3)
}
