// Package builtin provides the default tools registered at startup.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/provider"
	"github.com/GoCodeAlone/conductor/tool"
)

// Options selects and configures the default tools.
type Options struct {
	BaseDir         string
	SearchURL       string
	ShellWorkdir    string
	ShellContainer  string
	BrowserHeadless bool
	BrowserTimeout  time.Duration
	HTTPTimeout     time.Duration
	// Generator backs code_generate. Nil produces scaffolds.
	Generator       provider.Provider
	Logger          *slog.Logger
}

// Toolkit holds resources owned by registered tools.
type Toolkit struct {
	Browser *Browser
	Sandbox *DockerSandbox
}

// Register adds the default tools to reg. A configured container sandbox that
// cannot be reached falls back to host execution with a warning.
func Register(ctx context.Context, reg *tool.Registry, opts Options) (*Toolkit, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := &http.Client{Timeout: opts.HTTPTimeout}
	kit := &Toolkit{Browser: NewBrowser(opts.BrowserHeadless)}

	shell := &CLIExec{Workdir: opts.ShellWorkdir}
	if opts.ShellContainer != "" {
		sb, err := NewDockerSandbox(ctx, opts.ShellContainer, opts.ShellWorkdir)
		if err != nil {
			logger.Warn("container sandbox unavailable, using host shell", "container", opts.ShellContainer, "error", err)
		} else {
			kit.Sandbox = sb
			shell.Sandbox = sb
		}
	}

	var browserOpts []tool.RegisterOption
	if opts.BrowserTimeout > 0 {
		browserOpts = append(browserOpts, tool.WithTimeout(opts.BrowserTimeout))
	}

	regs := []struct {
		t    tool.Tool
		opts []tool.RegisterOption
	}{
		{&WebSearch{Endpoint: opts.SearchURL, Client: client}, nil},
		{&WebFetch{Client: client}, nil},
		{shell, nil},
		{&CodeGenerate{Generator: opts.Generator}, nil},
		{&FileManager{BaseDir: opts.BaseDir}, nil},
		{&BrowserNavigate{Browser: kit.Browser}, browserOpts},
		{Summarize{}, nil},
		{Validate{}, nil},
	}
	for _, r := range regs {
		if err := reg.Register(r.t, r.opts...); err != nil {
			_ = kit.Close()
			return nil, fmt.Errorf("register %s: %w", r.t.Name(), err)
		}
	}
	return kit, nil
}

// Close releases the browser and the sandbox client.
func (k *Toolkit) Close() error {
	var errs []error
	if k.Browser != nil {
		errs = append(errs, k.Browser.Close())
	}
	if k.Sandbox != nil {
		errs = append(errs, k.Sandbox.Close())
	}
	return errors.Join(errs...)
}

// ReleaseRemoved closes the browser page of every agent removed from the
// pool until ctx is done.
func (k *Toolkit) ReleaseRemoved(ctx context.Context, events comms.Source) error {
	sub, err := events.Subscribe(comms.SubscribeOptions{}, comms.TopicAgentRemoved)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()
	for {
		d, err := sub.Next(ctx)
		if err != nil {
			return nil
		}
		if a, ok := d.Event.Payload.(*agent.Agent); ok && k.Browser != nil {
			k.Browser.Release(a.ID)
		}
	}
}
