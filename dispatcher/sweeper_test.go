package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nomis52/goactivate/dispatcher"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/plugin"
	"github.com/nomis52/goactivate/plugin/plugintest"
)

func pendingDispatcher(t *testing.T, eng *fakeEngine) (*dispatcher.Dispatcher, *plugintest.Handler) {
	t.Helper()
	h := plugintest.New("vm", []string{"vm"})
	h.ExecuteFunc = func(context.Context, lifecycle.Step, plugin.Target) (*plugin.Outcome, error) {
		return plugin.Pending(time.Hour, nil), nil
	}
	h.PollFunc = func(context.Context, lifecycle.Step, plugin.Target, *plugin.Outcome) (*plugin.Outcome, error) {
		return plugin.Succeeded("ready"), nil
	}
	d := dispatcher.New(eng, newRegistry(t, h), dispatcher.WithLogger(logging.Discard()))
	_, err := d.Dispatch(context.Background(), request("vm", lifecycle.Activate))
	require.NoError(t, err)
	require.Equal(t, 1, d.Pending())
	return d, h
}

func TestNewSweeper_InvalidInterval(t *testing.T) {
	d := dispatcher.New(&fakeEngine{}, newRegistry(t), dispatcher.WithLogger(logging.Discard()))
	_, err := dispatcher.NewSweeper(d, 0, logging.Discard())
	assert.Error(t, err)
}

func TestSweeper_Sweep(t *testing.T) {
	eng := &fakeEngine{points: alwaysWaiting("wait_ACTIVATE_db")}
	d, _ := pendingDispatcher(t, eng)

	s, err := dispatcher.NewSweeper(d, time.Minute, logging.Discard())
	require.NoError(t, err)

	s.Sweep(context.Background())
	assert.Equal(t, 0, d.Pending())
	_, signals := eng.recorded()
	assert.Len(t, signals, 1)

	// Nothing left to poll.
	s.Sweep(context.Background())
	_, signals = eng.recorded()
	assert.Len(t, signals, 1)
}

func TestSweeper_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	eng := &fakeEngine{points: alwaysWaiting("wait_ACTIVATE_db")}
	d, h := pendingDispatcher(t, eng)

	s, err := dispatcher.NewSweeper(d, time.Second, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return d.Pending() == 0 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	s.Stop()

	polls := 0
	for _, c := range h.Calls() {
		if c.Poll {
			polls++
		}
	}
	assert.Equal(t, 1, polls)

	// Give the cancellation watcher time to return before the leak check.
	require.Eventually(t, func() bool {
		return goleak.Find() == nil
	}, time.Second, 10*time.Millisecond)
}
