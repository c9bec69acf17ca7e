// Package pveguest provides a handler that starts, stops and destroys
// Proxmox VE guests named after topology items.
//
// Every power change is a Proxmox task: Execute submits it and returns a
// pending outcome carrying the node and UPID, and Poll follows the task
// until it stops.
package pveguest

import (
	"context"
	"fmt"
	"time"

	"github.com/nomis52/goactivate/clients/proxmoxclient"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/plugin"
)

// DefaultTimeout bounds one guest task when none is configured.
const DefaultTimeout = 15 * time.Minute

const (
	nodeKey = "node"
	upidKey = "upid"
)

// API is the subset of the Proxmox client the handler uses.
type API interface {
	FindGuest(ctx context.Context, name string) (*proxmoxclient.Resource, error)
	StartGuest(ctx context.Context, node, guestType string, vmid proxmoxclient.VMID) (proxmoxclient.TaskID, error)
	ShutdownGuest(ctx context.Context, node, guestType string, vmid proxmoxclient.VMID) (proxmoxclient.TaskID, error)
	DestroyGuest(ctx context.Context, node, guestType string, vmid proxmoxclient.VMID) (proxmoxclient.TaskID, error)
	TaskStatus(ctx context.Context, node string, upid proxmoxclient.TaskID) (*proxmoxclient.TaskStatus, error)
}

// Config configures a Handler.
type Config struct {
	Name      string
	ItemTypes []string
	// Steps lists the steps served. Empty serves the power steps; DELETE
	// destroys the guest and is only served when listed.
	Steps   []lifecycle.Step
	Timeout time.Duration
}

// Handler runs lifecycle steps as Proxmox guest tasks.
type Handler struct {
	plugin.Matcher
	name    string
	api     API
	timeout time.Duration
}

var _ plugin.Handler = (*Handler)(nil)

// New creates a handler using api.
func New(cfg Config, api API) *Handler {
	steps := cfg.Steps
	if len(steps) == 0 {
		steps = []lifecycle.Step{lifecycle.FirstStart, lifecycle.Start, lifecycle.Stop}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Handler{
		Matcher: plugin.Matcher{ItemTypes: cfg.ItemTypes, Steps: steps},
		name:    cfg.Name,
		api:     api,
		timeout: timeout,
	}
}

func (h *Handler) Name() string {
	return h.name
}

func (h *Handler) Execute(ctx context.Context, step lifecycle.Step, target plugin.Target) (*plugin.Outcome, error) {
	switch step {
	case lifecycle.FirstStart, lifecycle.Start, lifecycle.Stop, lifecycle.Delete:
	default:
		return plugin.Succeeded("no guest action"), nil
	}

	guest, err := h.api.FindGuest(ctx, target.Name)
	if err != nil {
		return nil, err
	}
	logger := target.Logger.With("node", guest.Node, "vmid", guest.VMID, "guest_type", guest.Type)

	var upid proxmoxclient.TaskID
	switch step {
	case lifecycle.FirstStart, lifecycle.Start:
		if guest.Status == proxmoxclient.StatusRunning {
			logger.Info("guest already running")
			return plugin.Succeeded("already running"), nil
		}
		upid, err = h.api.StartGuest(ctx, guest.Node, guest.Type, guest.VMID)
	case lifecycle.Stop:
		if guest.Status == proxmoxclient.StatusStopped {
			logger.Info("guest already stopped")
			return plugin.Succeeded("already stopped"), nil
		}
		upid, err = h.api.ShutdownGuest(ctx, guest.Node, guest.Type, guest.VMID)
	case lifecycle.Delete:
		if guest.Status != proxmoxclient.StatusStopped {
			return plugin.Failed(fmt.Sprintf("guest %s is %s, stop it before deleting", target.Name, guest.Status)), nil
		}
		upid, err = h.api.DestroyGuest(ctx, guest.Node, guest.Type, guest.VMID)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("guest task submitted", "step", step.String(), "upid", upid)
	return plugin.Pending(h.timeout, map[string]string{nodeKey: guest.Node, upidKey: string(upid)}), nil
}

// Poll follows the task submitted by Execute. API errors keep the step
// pending; the dispatcher's timeout bounds how long that can last.
func (h *Handler) Poll(ctx context.Context, step lifecycle.Step, target plugin.Target, prior *plugin.Outcome) (*plugin.Outcome, error) {
	if prior == nil || prior.Data[upidKey] == "" {
		return nil, nil
	}
	node, upid := prior.Data[nodeKey], proxmoxclient.TaskID(prior.Data[upidKey])

	status, err := h.api.TaskStatus(ctx, node, upid)
	if err != nil {
		target.Logger.Warn("failed to read task status", "node", node, "upid", upid, "error", err)
		return prior, nil
	}
	switch {
	case !status.Done():
		return prior, nil
	case status.OK():
		return plugin.Succeeded(fmt.Sprintf("%s task finished", step)), nil
	default:
		return plugin.Failed(fmt.Sprintf("%s task failed: %s", step, status.ExitStatus)), nil
	}
}
