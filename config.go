package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/peterje/expectty/internal/pattern"
)

// Config is the daemon configuration. It is read from an optional YAML
// file; flags given on the command line override it.
type Config struct {
	// Listen is the TCP address of the HTTP server.
	Listen string `yaml:"listen"`

	// Secret, when set, must be presented in remote.SecretHeader by
	// every client.
	Secret string `yaml:"secret"`

	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level"`

	// Shell runs when a client spawns with an empty command path.
	Shell string `yaml:"shell"`

	// Allowed is a list of glob patterns for command paths clients may
	// spawn. Empty means all paths are allowed, subject to Blocked.
	Allowed []string `yaml:"allowed"`

	// Blocked is a list of glob patterns for refused command paths.
	// Blocked takes precedence over Allowed.
	Blocked []string `yaml:"blocked"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS serves HTTPS. Without TLSCert and TLSKey a self-signed
	// certificate is generated and cached in TLSDir.
	TLS     bool   `yaml:"tls"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	TLSDir  string `yaml:"tls_dir"`
}

func defaultConfig() Config {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return Config{
		Listen:          "127.0.0.1:8800",
		LogLevel:        "info",
		Shell:           shell,
		ShutdownTimeout: 5 * time.Second,
		TLSDir:          defaultTLSDir(),
	}
}

// loadConfig reads path over the defaults. Unknown keys are an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// addFlags registers the flags that override file settings.
func addFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "address to listen on")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "pre-shared secret required from clients")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Shell, "shell", cfg.Shell, "command run for spawn requests without a path")
	fs.StringSliceVar(&cfg.Allowed, "allow", cfg.Allowed, "glob of command paths clients may spawn (repeatable)")
	fs.StringSliceVar(&cfg.Blocked, "block", cfg.Blocked, "glob of command paths clients may not spawn (repeatable)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown limit")
	fs.BoolVar(&cfg.TLS, "tls", cfg.TLS, "serve HTTPS")
	fs.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "TLS certificate file (implies --tls)")
	fs.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "TLS key file (implies --tls)")
}

// overlay copies every flag the user set from flagged into cfg.
func overlay(cfg *Config, flagged Config, fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = flagged.Listen
		case "secret":
			cfg.Secret = flagged.Secret
		case "log-level":
			cfg.LogLevel = flagged.LogLevel
		case "shell":
			cfg.Shell = flagged.Shell
		case "allow":
			cfg.Allowed = flagged.Allowed
		case "block":
			cfg.Blocked = flagged.Blocked
		case "shutdown-timeout":
			cfg.ShutdownTimeout = flagged.ShutdownTimeout
		case "tls":
			cfg.TLS = flagged.TLS
		case "tls-cert":
			cfg.TLSCert = flagged.TLSCert
			cfg.TLS = true
		case "tls-key":
			cfg.TLSKey = flagged.TLSKey
			cfg.TLS = true
		}
	})
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	if c.Shell == "" {
		return errors.New("shell is empty")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	if c.TLS && c.TLSCert == "" && c.TLSDir == "" {
		return errors.New("tls_dir is empty")
	}
	for _, g := range append(append([]string(nil), c.Allowed...), c.Blocked...) {
		if _, err := pattern.GlobMatch(g, ""); err != nil {
			return err
		}
	}
	return nil
}
