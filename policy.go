package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/peterje/expectty/internal/errs"
	"github.com/peterje/expectty/internal/pattern"
	"github.com/peterje/expectty/internal/pty"
)

// policySpawner applies the daemon's command policy before delegating to
// the local PTY spawner.
type policySpawner struct {
	next    pty.Spawner
	shell   string
	allowed []string
	blocked []string
	log     logrus.FieldLogger
}

func newPolicySpawner(next pty.Spawner, cfg Config, log logrus.FieldLogger) *policySpawner {
	return &policySpawner{
		next:    next,
		shell:   cfg.Shell,
		allowed: cfg.Allowed,
		blocked: cfg.Blocked,
		log:     log,
	}
}

func (p *policySpawner) Spawn(ctx context.Context, cmd pty.Command) (pty.Backend, error) {
	if cmd.Path == "" {
		cmd.Path = p.shell
	}
	if err := p.permit(cmd.Path); err != nil {
		p.log.WithField("command", cmd.String()).Warn("refused spawn")
		return nil, &errs.SpawnError{Command: cmd.String(), Err: err}
	}
	return p.next.Spawn(ctx, cmd)
}

// permit checks path against Blocked, then Allowed.
func (p *policySpawner) permit(path string) error {
	for _, g := range p.blocked {
		if ok, err := pattern.GlobMatch(g, path); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("command %s is blocked by %q", path, g)
		}
	}
	if len(p.allowed) == 0 {
		return nil
	}
	for _, g := range p.allowed {
		if ok, err := pattern.GlobMatch(g, path); err != nil {
			return err
		} else if ok {
			return nil
		}
	}
	return fmt.Errorf("command %s is not allowed", path)
}
