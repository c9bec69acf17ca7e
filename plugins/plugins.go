// Package plugins builds the lifecycle handlers declared in the
// configuration.
package plugins

import (
	"fmt"
	"log/slog"

	"github.com/nomis52/goactivate/clients/ipmiclient"
	"github.com/nomis52/goactivate/clients/proxmoxclient"
	"github.com/nomis52/goactivate/clients/sshclient"
	"github.com/nomis52/goactivate/config"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/plugin"
	"github.com/nomis52/goactivate/plugins/ipmipower"
	"github.com/nomis52/goactivate/plugins/pveguest"
	"github.com/nomis52/goactivate/plugins/simulated"
	"github.com/nomis52/goactivate/plugins/sshcmd"
)

// Set is the handlers built from one configuration.
type Set struct {
	Handlers []plugin.Handler
	closers  []func()
}

// Close releases resources held by the handlers.
func (s *Set) Close() {
	for _, c := range s.closers {
		c()
	}
}

// Register adds every handler to the registry.
func (s *Set) Register(r *plugin.Registry) error {
	return r.Register(s.Handlers...)
}

// Build creates one handler per plugin entry. The configuration must have
// been validated.
func Build(cfgs []config.PluginConfig, logger *slog.Logger) (*Set, error) {
	set := &Set{}
	for _, pc := range cfgs {
		switch pc.Kind {
		case config.PluginSimulated:
			set.Handlers = append(set.Handlers, simulated.New(simulated.Config{
				Name:      pc.Name,
				ItemTypes: pc.ItemTypes,
				Steps:     pc.Steps,
				Delay:     pc.Simulated.Delay,
				Timeout:   pc.Simulated.Timeout,
				Fail:      pc.Simulated.Fail,
			}))

		case config.PluginSSH:
			h, err := buildSSH(pc, logger)
			if err != nil {
				set.Close()
				return nil, err
			}
			set.Handlers = append(set.Handlers, h)
			set.closers = append(set.closers, h.Close)

		case config.PluginIPMI:
			set.Handlers = append(set.Handlers, ipmipower.New(ipmipower.Config{
				Name:      pc.Name,
				ItemTypes: pc.ItemTypes,
				Steps:     pc.Steps,
				Host:      pc.IPMI.Host,
				Hosts:     pc.IPMI.Hosts,
				Timeout:   pc.IPMI.Timeout,
			}, ipmipower.IPMIControllers(
				ipmiclient.WithUsername(pc.IPMI.Username),
				ipmiclient.WithPassword(pc.IPMI.Password),
				ipmiclient.WithLogger(logger.With("component", "ipmi", "plugin", pc.Name)),
			)))

		case config.PluginProxmox:
			h, err := buildProxmox(pc, logger)
			if err != nil {
				set.Close()
				return nil, err
			}
			set.Handlers = append(set.Handlers, h)

		default:
			set.Close()
			return nil, fmt.Errorf("plugin %s: unknown kind %q", pc.Name, pc.Kind)
		}
		logger.Debug("plugin built", "name", pc.Name, "kind", pc.Kind, "item_types", pc.ItemTypes)
	}
	return set, nil
}

func buildSSH(pc config.PluginConfig, logger *slog.Logger) (*sshcmd.Handler, error) {
	key, err := sshclient.LoadPrivateKey(pc.SSH.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", pc.Name, err)
	}
	if pc.SSH.KnownHostsFile == "" {
		logger.Warn("ssh plugin does not verify host keys", "name", pc.Name, "host", pc.SSH.Host)
	}

	commands := make(map[lifecycle.Step]string, len(pc.SSH.Commands))
	for name, command := range pc.SSH.Commands {
		step, err := lifecycle.ParseStep(name)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", pc.Name, err)
		}
		commands[step] = command
	}

	dialer := sshcmd.SSHDialer(sshclient.Config{
		Host:           pc.SSH.Host,
		User:           pc.SSH.User,
		PrivateKeyPEM:  key,
		KnownHostsFile: pc.SSH.KnownHostsFile,
	})
	return sshcmd.New(sshcmd.Config{
		Name:      pc.Name,
		ItemTypes: pc.ItemTypes,
		Steps:     pc.Steps,
		Commands:  commands,
		Timeout:   pc.SSH.Timeout,
	}, dialer, sshcmd.WithLogger(logger))
}

func buildProxmox(pc config.PluginConfig, logger *slog.Logger) (*pveguest.Handler, error) {
	opts := []proxmoxclient.Option{
		proxmoxclient.WithToken(pc.Proxmox.Token),
		proxmoxclient.WithLogger(logger.With("component", "proxmox", "plugin", pc.Name)),
	}
	if pc.Proxmox.InsecureSkipVerify {
		logger.Warn("proxmox plugin does not verify the server certificate", "name", pc.Name, "url", pc.Proxmox.URL)
		opts = append(opts, proxmoxclient.WithInsecureSkipVerify())
	}
	client, err := proxmoxclient.New(pc.Proxmox.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", pc.Name, err)
	}
	return pveguest.New(pveguest.Config{
		Name:      pc.Name,
		ItemTypes: pc.ItemTypes,
		Steps:     pc.Steps,
		Timeout:   pc.Proxmox.Timeout,
	}, client), nil
}
