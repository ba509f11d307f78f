package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPositionLifecycleIdleToLongToExitingToIdle(t *testing.T) {
	p := newPosition()
	state, _ := p.snapshot()
	assert.Equal(t, StateIdle, state)

	p.enter(SideBuy)
	state, side := p.snapshot()
	assert.Equal(t, StateLong, state)
	assert.Equal(t, SideBuy, side)

	p.beginExit()
	state, _ = p.snapshot()
	assert.Equal(t, StateExiting, state)

	p.exitSucceeded()
	state, _ = p.snapshot()
	assert.Equal(t, StateIdle, state)
}

func TestPositionExitFailsThriceBecomesStuck(t *testing.T) {
	p := newPosition()
	p.enter(SideBuy)
	p.beginExit()

	assert.False(t, p.exitFailed())
	assert.False(t, p.exitFailed())
	assert.True(t, p.exitFailed(), "third failed exit retry must transition to Stuck")

	state, _ := p.snapshot()
	assert.Equal(t, StateStuck, state)
}
