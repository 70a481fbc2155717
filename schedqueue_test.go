package fiberio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFiber is a minimal Fiber double for exercising Scheduler without a
// real goroutine-backed GoFiber, for tests that only care about transfer
// bookkeeping.
type fakeFiber struct {
	alive     bool
	transfers [][]any
	raises    []error
}

func newFakeFiber() *fakeFiber { return &fakeFiber{alive: true} }

func (f *fakeFiber) Transfer(args ...any) (any, error) {
	f.transfers = append(f.transfers, args)
	return nil, nil
}

func (f *fakeFiber) Raise(err error) (any, error) {
	f.raises = append(f.raises, err)
	return nil, nil
}

func (f *fakeFiber) Alive() bool { return f.alive }

func (f *fakeFiber) Park(val any) ([]any, error) { return nil, nil }

func TestScheduler_ReadyPushAndFlush(t *testing.T) {
	s := NewScheduler(nil)
	a := newFakeFiber()
	b := newFakeFiber()

	s.ReadyPush(a, 1)
	s.ReadyPush(b, 2)

	n := s.ReadyFlush()
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]any{{1}}, a.transfers)
	assert.Equal(t, [][]any{{2}}, b.transfers)
	assert.True(t, s.readyEmpty())
}

func TestScheduler_ReadyFlushSkipsDeadFibers(t *testing.T) {
	s := NewScheduler(nil)
	dead := newFakeFiber()
	dead.alive = false
	s.ReadyPush(dead)

	n := s.ReadyFlush()
	assert.Equal(t, 1, n)
	assert.Empty(t, dead.transfers)
}

func TestScheduler_ReadyFlushBoundedAgainstReenqueue(t *testing.T) {
	s := NewScheduler(nil)
	calls := 0
	self := newFakeFiber()

	// Push one real entry that, when flushed, pushes another fiber onto the
	// queue. flush must not run the new entry, bounded by the tail observed
	// at entry (§8 property 3).
	s.ready.pushHead(&readyEntry{tag: tagInternal, fiber: funcFiber(func() {
		calls++
		if calls < 5 {
			s.ReadyPush(self)
		}
	})})

	n := s.ReadyFlush()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
}

// funcFiber adapts a plain func into a Fiber for re-enqueue tests.
type funcFiber func()

func (f funcFiber) Transfer(args ...any) (any, error) {
	f()
	return nil, nil
}
func (f funcFiber) Raise(err error) (any, error) { return nil, nil }
func (f funcFiber) Alive() bool                  { return true }
func (f funcFiber) Park(val any) ([]any, error)  { return nil, nil }

func TestScheduler_ResumeAndRaiseTrackSelfOnReadyQueue(t *testing.T) {
	s := NewScheduler(nil)
	self := newFakeFiber()
	target := newFakeFiber()

	_, err := s.Resume(self, target, "arg")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"arg"}}, target.transfers)
	assert.True(t, s.readyEmpty(), "self must be removed from the ready queue after Resume returns")

	boom := errors.New("boom")
	_, err = s.Raise(self, target, boom)
	require.NoError(t, err)
	assert.Equal(t, []error{boom}, target.raises)
	assert.True(t, s.readyEmpty())
}

func TestScheduler_ResumeRequiresNonNilTarget(t *testing.T) {
	s := NewScheduler(nil)
	self := newFakeFiber()
	_, err := s.Resume(self, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Raise(self, nil, errors.New("x"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestScheduler_YieldTransfersToLoopFiber(t *testing.T) {
	loop := newFakeFiber()
	s := NewScheduler(loop)
	self := newFakeFiber()

	_, err := s.Yield(self)
	require.NoError(t, err)
	assert.Len(t, loop.transfers, 1)
}

func TestScheduler_LoopResumeRequiresNonNilFiber(t *testing.T) {
	s := NewScheduler(nil)
	_, err := s.LoopResume(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
