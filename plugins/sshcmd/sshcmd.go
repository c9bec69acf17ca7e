// Package sshcmd provides a handler that runs one shell command per
// lifecycle step on a remote host.
//
// Commands are text/template strings rendered against the item:
//
//	commands:
//	  START: systemctl start {{.Name}}
//	  STOP: systemctl stop {{.Name}}
//
// Execute starts the command in the background and returns a pending
// outcome carrying a job id; Poll reports the job's result once it exited.
package sshcmd

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/goactivate/clients/sshclient"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/plugin"
)

// DefaultTimeout bounds one remote command when none is configured.
const DefaultTimeout = 30 * time.Minute

const jobKey = "job"

// Runner runs commands on one connection.
type Runner interface {
	Run(ctx context.Context, command string) (stdout, stderr string, err error)
	Close() error
}

// Dialer opens a connection to the host.
type Dialer func(ctx context.Context) (Runner, error)

// Config configures a Handler.
type Config struct {
	Name      string
	ItemTypes []string
	// Steps lists the steps served. Empty serves the steps with a command.
	Steps []lifecycle.Step
	// Commands maps a step to a command template.
	Commands map[lifecycle.Step]string
	// Timeout bounds each command.
	Timeout time.Duration
}

// CommandData is what a command template is rendered against.
type CommandData struct {
	Name       string
	EntityID   int64
	ItemType   string
	Step       string
	RequestID  string
	PriorError string
}

type job struct {
	done   chan struct{}
	stdout string
	stderr string
	err    error
}

// Handler runs lifecycle steps over SSH.
type Handler struct {
	plugin.Matcher
	name      string
	dial      Dialer
	timeout   time.Duration
	templates map[lifecycle.Step]*template.Template
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

var _ plugin.Handler = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used outside of step execution.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger.With("component", "sshcmd")
	}
}

// New parses the command templates and creates the handler.
func New(cfg Config, dial Dialer, opts ...Option) (*Handler, error) {
	templates := make(map[lifecycle.Step]*template.Template, len(cfg.Commands))
	for step, text := range cfg.Commands {
		tmpl, err := template.New(step.String()).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("handler %s: command for %s: %w", cfg.Name, step, err)
		}
		templates[step] = tmpl
	}

	steps := cfg.Steps
	if len(steps) == 0 {
		steps = slices.Sorted(maps.Keys(templates))
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("handler %s: no commands configured", cfg.Name)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		Matcher:   plugin.Matcher{ItemTypes: cfg.ItemTypes, Steps: steps},
		name:      cfg.Name,
		dial:      dial,
		timeout:   timeout,
		templates: templates,
		logger:    slog.Default().With("component", "sshcmd"),
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*job),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// SSHDialer dials cfg for every command.
func SSHDialer(cfg sshclient.Config) Dialer {
	return func(ctx context.Context) (Runner, error) {
		client, err := sshclient.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func (h *Handler) Name() string {
	return h.name
}

// Execute renders the step's command and starts it. A step without a
// command succeeds immediately.
func (h *Handler) Execute(ctx context.Context, step lifecycle.Step, target plugin.Target) (*plugin.Outcome, error) {
	tmpl, ok := h.templates[step]
	if !ok {
		return plugin.Succeeded("no command for step"), nil
	}

	var b strings.Builder
	err := tmpl.Execute(&b, CommandData{
		Name:       target.Name,
		EntityID:   target.EntityID,
		ItemType:   target.ItemType,
		Step:       step.String(),
		RequestID:  target.RequestID,
		PriorError: target.Context["prior_error"],
	})
	if err != nil {
		return nil, fmt.Errorf("rendering command: %w", err)
	}
	command := b.String()

	id := uuid.NewString()
	j := &job{done: make(chan struct{})}
	h.mu.Lock()
	h.jobs[id] = j
	h.mu.Unlock()

	logger := target.Logger.With("job", id)
	logger.Info("starting remote command", "command", command)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(j.done)
		j.stdout, j.stderr, j.err = h.run(command)
		if j.err != nil {
			logger.Error("remote command failed", "error", j.err, "stderr", strings.TrimSpace(j.stderr))
			return
		}
		logger.Info("remote command finished", "stdout", strings.TrimSpace(j.stdout))
	}()

	return plugin.Pending(h.timeout, map[string]string{jobKey: id}), nil
}

func (h *Handler) run(command string) (string, string, error) {
	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	runner, err := h.dial(ctx)
	if err != nil {
		return "", "", err
	}
	defer runner.Close()
	return runner.Run(ctx, command)
}

// Poll reports the job started by Execute. A job this handler does not know,
// for example after a restart, is untrackable.
func (h *Handler) Poll(ctx context.Context, step lifecycle.Step, target plugin.Target, prior *plugin.Outcome) (*plugin.Outcome, error) {
	if prior == nil {
		return nil, nil
	}
	id := prior.Data[jobKey]

	h.mu.Lock()
	j, ok := h.jobs[id]
	h.mu.Unlock()
	if !ok {
		return nil, nil
	}

	select {
	case <-j.done:
	default:
		return prior, nil
	}

	h.mu.Lock()
	delete(h.jobs, id)
	h.mu.Unlock()

	if j.err != nil {
		msg := strings.TrimSpace(j.stderr)
		if msg == "" {
			msg = j.err.Error()
		} else {
			msg = fmt.Sprintf("%v: %s", j.err, msg)
		}
		return plugin.Failed(msg), nil
	}
	return plugin.Succeeded(lastLine(j.stdout)), nil
}

// Close cancels running commands and waits for them to return.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
