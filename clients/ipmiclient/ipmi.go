// Package ipmiclient controls machine power through a BMC using ipmitool.
package ipmiclient

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const ipmiTool = "ipmitool"

// PowerState is the chassis power state reported by the BMC.
type PowerState int

const (
	PowerStateUnknown PowerState = iota
	PowerStateOn
	PowerStateOff
)

func (p PowerState) String() string {
	switch p {
	case PowerStateOn:
		return "on"
	case PowerStateOff:
		return "off"
	default:
		return "unknown"
	}
}

// ParsePowerState converts the text ipmitool prints to a PowerState.
func ParsePowerState(state string) PowerState {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "on":
		return PowerStateOn
	case "off":
		return PowerStateOff
	default:
		return PowerStateUnknown
	}
}

// IPMIController issues chassis commands to one BMC.
type IPMIController struct {
	host     string
	username string
	password string
	runner   CommandRunner
	logger   *slog.Logger
}

// Option configures an IPMIController.
type Option func(*IPMIController)

func WithUsername(username string) Option {
	return func(c *IPMIController) {
		c.username = username
	}
}

func WithPassword(password string) Option {
	return func(c *IPMIController) {
		c.password = password
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *IPMIController) {
		c.logger = logger
	}
}

// WithRunner replaces the command runner, for tests.
func WithRunner(runner CommandRunner) Option {
	return func(c *IPMIController) {
		c.runner = runner
	}
}

// NewIPMIController creates a controller for the BMC at host.
func NewIPMIController(host string, opts ...Option) *IPMIController {
	c := &IPMIController{
		host:   host,
		runner: execCommandRunner{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Host returns the BMC address.
func (c *IPMIController) Host() string {
	return c.host
}

// Status returns the chassis power state.
func (c *IPMIController) Status(ctx context.Context) (PowerState, error) {
	output, err := c.run(ctx, "chassis", "status")
	if err != nil {
		return PowerStateUnknown, fmt.Errorf("failed to get chassis status: %w", err)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.TrimSpace(key) == "System Power" {
			return ParsePowerState(value), nil
		}
	}
	return PowerStateUnknown, fmt.Errorf("no power state in chassis status from %s", c.host)
}

// PowerOn turns the machine on.
func (c *IPMIController) PowerOn(ctx context.Context) error {
	if _, err := c.run(ctx, "chassis", "power", "on"); err != nil {
		return fmt.Errorf("failed to power on %s: %w", c.host, err)
	}
	return nil
}

// PowerOff requests a soft shutdown through ACPI.
func (c *IPMIController) PowerOff(ctx context.Context) error {
	if _, err := c.run(ctx, "chassis", "power", "soft"); err != nil {
		return fmt.Errorf("failed to power off %s: %w", c.host, err)
	}
	return nil
}

func (c *IPMIController) run(ctx context.Context, args ...string) ([]byte, error) {
	cmdArgs := []string{"-I", "lanplus", "-H", c.host}
	if c.username != "" {
		cmdArgs = append(cmdArgs, "-U", c.username)
	}
	if c.password != "" {
		cmdArgs = append(cmdArgs, "-P", c.password)
	}
	cmdArgs = append(cmdArgs, args...)

	c.logger.Debug("running ipmitool", "host", c.host, "args", args)
	output, err := c.runner.Run(ctx, ipmiTool, cmdArgs...)
	if err != nil {
		if msg := strings.TrimSpace(string(output)); msg != "" {
			return output, fmt.Errorf("%w: %s", err, msg)
		}
		return output, err
	}
	return output, nil
}
