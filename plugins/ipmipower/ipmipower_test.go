package ipmipower

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/goactivate/clients/ipmiclient"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/plugin"
)

// Test helpers

type fakeBMC struct {
	state     ipmiclient.PowerState
	statusErr error
	commands  []string
}

func (f *fakeBMC) Status(context.Context) (ipmiclient.PowerState, error) {
	return f.state, f.statusErr
}

func (f *fakeBMC) PowerOn(context.Context) error {
	f.commands = append(f.commands, "on")
	return nil
}

func (f *fakeBMC) PowerOff(context.Context) error {
	f.commands = append(f.commands, "off")
	return nil
}

type fleet map[string]*fakeBMC

func (f fleet) factory(host string) Controller {
	return f[host]
}

func target(name string) plugin.Target {
	return plugin.Target{RequestID: "START:" + name, EntityID: 3, ItemType: "machine", Name: name, Logger: logging.Discard()}
}

// Tests

func TestHandler_Accepts(t *testing.T) {
	h := New(Config{Name: "bmc", ItemTypes: []string{"machine"}, Host: "bmc0"}, fleet{}.factory)

	assert.Equal(t, "bmc", h.Name())
	assert.True(t, h.Accepts("machine", lifecycle.Start))
	assert.True(t, h.Accepts("machine", lifecycle.Stop))
	assert.False(t, h.Accepts("machine", lifecycle.Init))
	assert.False(t, h.Accepts("vm", lifecycle.Start))
}

func TestHandler_PowerOn(t *testing.T) {
	bmc := &fakeBMC{state: ipmiclient.PowerStateOff}
	h := New(Config{Name: "bmc", ItemTypes: []string{"machine"}, Hosts: map[string]string{"pve1": "10.0.0.21"}, Timeout: time.Minute},
		fleet{"10.0.0.21": bmc}.factory)
	ctx := context.Background()

	outcome, err := h.Execute(ctx, lifecycle.Start, target("pve1"))
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusRunning, outcome.Status)
	assert.Equal(t, time.Minute, outcome.Timeout)
	assert.Equal(t, []string{"on"}, bmc.commands)

	polled, err := h.Poll(ctx, lifecycle.Start, target("pve1"), outcome)
	require.NoError(t, err)
	assert.Same(t, outcome, polled)

	bmc.statusErr = errors.New("session dropped")
	polled, err = h.Poll(ctx, lifecycle.Start, target("pve1"), outcome)
	require.NoError(t, err)
	assert.Same(t, outcome, polled)

	bmc.statusErr = nil
	bmc.state = ipmiclient.PowerStateOn
	polled, err = h.Poll(ctx, lifecycle.Start, target("pve1"), outcome)
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusSucceeded, polled.Status)
	assert.Equal(t, "powered on", polled.Message)
}

func TestHandler_AlreadyInState(t *testing.T) {
	bmc := &fakeBMC{state: ipmiclient.PowerStateOff}
	h := New(Config{Name: "bmc", ItemTypes: []string{"machine"}, Host: "bmc0"}, fleet{"bmc0": bmc}.factory)

	outcome, err := h.Execute(context.Background(), lifecycle.Stop, target("pve1"))
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusSucceeded, outcome.Status)
	assert.Equal(t, "already powered off", outcome.Message)
	assert.Empty(t, bmc.commands)
}

func TestHandler_EdgeCases(t *testing.T) {
	bmc := &fakeBMC{statusErr: errors.New("unreachable")}
	h := New(Config{Name: "bmc", ItemTypes: []string{"machine"}, Hosts: map[string]string{"pve1": "bmc1"},
		Steps: lifecycle.AllSteps}, fleet{"bmc1": bmc}.factory)
	ctx := context.Background()

	outcome, err := h.Execute(ctx, lifecycle.Activate, target("pve1"))
	require.NoError(t, err)
	assert.Equal(t, "no power action", outcome.Message)

	outcome, err = h.Execute(ctx, lifecycle.Start, target("pve2"))
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Message, "no BMC configured for pve2")

	_, err = h.Execute(ctx, lifecycle.Start, target("pve1"))
	assert.ErrorContains(t, err, "unreachable")

	polled, err := h.Poll(ctx, lifecycle.Start, target("pve1"), &plugin.Outcome{Status: plugin.StatusRunning})
	require.NoError(t, err)
	assert.Nil(t, polled)
}
