// Package ipmipower provides a handler that powers machines on and off
// through their BMC.
//
// FIRSTSTART and START power the machine on; STOP and DELETE request a soft
// power off. Other steps succeed without touching the machine. A command is
// issued only when the machine is not already in the wanted state, and the
// step then stays pending until the BMC reports the change.
package ipmipower

import (
	"context"
	"fmt"
	"time"

	"github.com/nomis52/goactivate/clients/ipmiclient"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/plugin"
)

// DefaultTimeout bounds the wait for a power change when none is configured.
const DefaultTimeout = 10 * time.Minute

const (
	hostKey = "host"
	wantKey = "want"
)

// Controller is the subset of the BMC client the handler uses.
type Controller interface {
	Status(ctx context.Context) (ipmiclient.PowerState, error)
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
}

// ControllerFactory returns the controller for a BMC address.
type ControllerFactory func(host string) Controller

// Config configures a Handler.
type Config struct {
	Name      string
	ItemTypes []string
	// Steps lists the steps served. Empty serves the power steps.
	Steps []lifecycle.Step
	// Host is the BMC used for items missing from Hosts.
	Host  string
	Hosts map[string]string
	// Timeout bounds the wait for the power state to change.
	Timeout time.Duration
}

// Handler implements the power steps of machine items.
type Handler struct {
	plugin.Matcher
	name        string
	host        string
	hosts       map[string]string
	timeout     time.Duration
	controllers ControllerFactory
}

var _ plugin.Handler = (*Handler)(nil)

// New creates a handler that reaches BMCs through controllers.
func New(cfg Config, controllers ControllerFactory) *Handler {
	steps := cfg.Steps
	if len(steps) == 0 {
		steps = []lifecycle.Step{lifecycle.FirstStart, lifecycle.Start, lifecycle.Stop}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Handler{
		Matcher:     plugin.Matcher{ItemTypes: cfg.ItemTypes, Steps: steps},
		name:        cfg.Name,
		host:        cfg.Host,
		hosts:       cfg.Hosts,
		timeout:     timeout,
		controllers: controllers,
	}
}

// IPMIControllers builds ipmitool backed controllers sharing credentials.
func IPMIControllers(opts ...ipmiclient.Option) ControllerFactory {
	return func(host string) Controller {
		return ipmiclient.NewIPMIController(host, opts...)
	}
}

func (h *Handler) Name() string {
	return h.name
}

func wantedState(step lifecycle.Step) ipmiclient.PowerState {
	switch step {
	case lifecycle.FirstStart, lifecycle.Start:
		return ipmiclient.PowerStateOn
	case lifecycle.Stop, lifecycle.Delete:
		return ipmiclient.PowerStateOff
	default:
		return ipmiclient.PowerStateUnknown
	}
}

func (h *Handler) hostFor(name string) string {
	if host, ok := h.hosts[name]; ok {
		return host
	}
	return h.host
}

func (h *Handler) Execute(ctx context.Context, step lifecycle.Step, target plugin.Target) (*plugin.Outcome, error) {
	want := wantedState(step)
	if want == ipmiclient.PowerStateUnknown {
		return plugin.Succeeded("no power action"), nil
	}
	host := h.hostFor(target.Name)
	if host == "" {
		return plugin.Failed(fmt.Sprintf("no BMC configured for %s", target.Name)), nil
	}

	c := h.controllers(host)
	state, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	if state == want {
		target.Logger.Info("machine already in wanted power state", "host", host, "state", state.String())
		return plugin.Succeeded(fmt.Sprintf("already powered %s", want)), nil
	}

	target.Logger.Info("changing power state", "host", host, "from", state.String(), "to", want.String())
	if want == ipmiclient.PowerStateOn {
		err = c.PowerOn(ctx)
	} else {
		err = c.PowerOff(ctx)
	}
	if err != nil {
		return nil, err
	}
	return plugin.Pending(h.timeout, map[string]string{hostKey: host, wantKey: want.String()}), nil
}

// Poll reads the power state again. A status error keeps the step pending
// since BMCs often drop sessions while the machine changes state.
func (h *Handler) Poll(ctx context.Context, step lifecycle.Step, target plugin.Target, prior *plugin.Outcome) (*plugin.Outcome, error) {
	if prior == nil || prior.Data[hostKey] == "" {
		return nil, nil
	}
	want := ipmiclient.ParsePowerState(prior.Data[wantKey])

	state, err := h.controllers(prior.Data[hostKey]).Status(ctx)
	if err != nil {
		target.Logger.Warn("failed to read power state", "host", prior.Data[hostKey], "error", err)
		return prior, nil
	}
	if state != want {
		return prior, nil
	}
	target.Logger.Info("power state reached", "host", prior.Data[hostKey], "state", state.String())
	return plugin.Succeeded(fmt.Sprintf("powered %s", want)), nil
}
