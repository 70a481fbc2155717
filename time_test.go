package fiberio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonotonicStopwatch_ElapsedBeforeResetIsZero(t *testing.T) {
	var sw monotonicStopwatch
	assert.Zero(t, sw.elapsed())
}

func TestMonotonicStopwatch_ElapsedAdvances(t *testing.T) {
	var sw monotonicStopwatch
	sw.reset()
	time.Sleep(2 * time.Millisecond)
	assert.Greater(t, sw.elapsed(), 0.0)
}

func TestDurationToTimeoutMs(t *testing.T) {
	assert.Equal(t, -1, durationToTimeoutMs(nil))

	zero := time.Duration(0)
	assert.Equal(t, 0, durationToTimeoutMs(&zero))

	neg := -time.Second
	assert.Equal(t, 0, durationToTimeoutMs(&neg))

	tiny := 100 * time.Microsecond
	assert.Equal(t, 1, durationToTimeoutMs(&tiny))

	full := 250 * time.Millisecond
	assert.Equal(t, 250, durationToTimeoutMs(&full))
}
