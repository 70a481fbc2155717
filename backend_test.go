package fiberio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, 64, cfg.ringDepth)
	assert.Nil(t, cfg.disable)
	assert.Nil(t, cfg.logger)
}

func TestWithRingDepth_IgnoresNonPositive(t *testing.T) {
	cfg := defaultConfig()
	WithRingDepth(0)(&cfg)
	assert.Equal(t, 64, cfg.ringDepth)

	WithRingDepth(-5)(&cfg)
	assert.Equal(t, 64, cfg.ringDepth)

	WithRingDepth(256)(&cfg)
	assert.Equal(t, 256, cfg.ringDepth)
}

func TestWithDisabledBackend(t *testing.T) {
	cfg := defaultConfig()
	WithDisabledBackend(BackendKqueue)(&cfg)
	assert.True(t, cfg.disable[BackendKqueue])
	assert.False(t, cfg.disable[BackendEpoll])
}

func TestWithLogger(t *testing.T) {
	cfg := defaultConfig()
	l := &recordingLogger{level: LevelDebug}
	WithLogger(l)(&cfg)
	assert.Same(t, Logger(l), cfg.logger)
}

func TestOpen_ReturnsBackendUnsupportedWhenEverythingDisabled(t *testing.T) {
	opts := make([]Option, 0, len(openers))
	for _, o := range openers {
		opts = append(opts, WithDisabledBackend(o.kind))
	}
	b, kind, err := Open(opts...)
	assert.Nil(t, b)
	assert.Empty(t, kind)
	assert.ErrorIs(t, err, ErrBackendUnsupported)
}

// TestOpen_ProbesInPriorityOrderRegardlessOfRegistrationOrder guards against
// Open silently relying on init()'s file-lexical registration order (which
// on Linux registers epoll before io_uring, since "backend_epoll_linux.go"
// sorts before "backend_iouring_linux.go"). Open must probe strictly by
// priority: io_uring, then epoll, then kqueue.
func TestOpen_ProbesInPriorityOrderRegardlessOfRegistrationOrder(t *testing.T) {
	saved := openers
	t.Cleanup(func() { openers = saved })

	var probed []BackendKind
	record := func(kind BackendKind) func(config) (Backend, error) {
		return func(config) (Backend, error) {
			probed = append(probed, kind)
			return nil, ErrBackendUnsupported
		}
	}

	// Registered deliberately out of priority order, as file-lexical init()
	// ordering would do on Linux (epoll before io_uring).
	openers = []opener{
		{kind: BackendEpoll, open: record(BackendEpoll), priority: priorityEpoll},
		{kind: BackendKqueue, open: record(BackendKqueue), priority: priorityKqueue},
		{kind: BackendIOUring, open: record(BackendIOUring), priority: priorityIOUring},
	}

	_, _, err := Open()
	assert.ErrorIs(t, err, ErrBackendUnsupported)
	assert.Equal(t, []BackendKind{BackendIOUring, BackendEpoll, BackendKqueue}, probed)
}
