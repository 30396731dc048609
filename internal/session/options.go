package session

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/peterje/expectty/internal/pty"
)

// Option configures a Session.
type Option interface {
	apply(*options) error
}

type options struct {
	cfg       Config
	log       logrus.FieldLogger
	observers []Observer
	spawner   pty.Spawner
	id        string
}

type optionFunc func(*options) error

func (f optionFunc) apply(o *options) error { return f(o) }

// WithConfig replaces the session configuration.
func WithConfig(cfg Config) Option {
	return optionFunc(func(o *options) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		o.cfg = cfg
		return nil
	})
}

// WithLogger sets the logger. Sessions log nothing by default.
func WithLogger(log logrus.FieldLogger) Option {
	return optionFunc(func(o *options) error {
		if log == nil {
			return errors.New("nil logger")
		}
		o.log = log
		return nil
	})
}

// WithObserver adds an observer of the raw byte streams. It may be given
// more than once; observers are called in the order added.
func WithObserver(obs Observer) Option {
	return optionFunc(func(o *options) error {
		if obs == nil {
			return errors.New("nil observer")
		}
		o.observers = append(o.observers, obs)
		return nil
	})
}

// WithSpawner sets how Spawn starts the child. The default is the local
// platform's pseudo-terminal.
func WithSpawner(sp pty.Spawner) Option {
	return optionFunc(func(o *options) error {
		if sp == nil {
			return errors.New("nil spawner")
		}
		o.spawner = sp
		return nil
	})
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return optionFunc(func(o *options) error {
		if id == "" {
			return errors.New("empty session id")
		}
		o.id = id
		return nil
	})
}

func resolveOptions(opts []Option) (*options, error) {
	o := &options{cfg: DefaultConfig()}
	for _, opt := range opts {
		if err := opt.apply(o); err != nil {
			return nil, fmt.Errorf("failed to apply session option: %w", err)
		}
	}
	o.cfg = o.cfg.withDefaults()
	if o.log == nil {
		o.log = discardLogger()
	}
	if o.spawner == nil {
		o.spawner = pty.Local{Logger: o.log}
	}
	return o, nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
