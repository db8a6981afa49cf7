package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrKind classifies a config-loading failure the way spec.md §7 names
// error kinds — a switchable value, not a bare string.
type ErrKind int

const (
	// ErrInvalid covers parse failures, unknown keys, and validation
	// failures (duplicate (port, transport), missing template, etc).
	ErrInvalid ErrKind = iota
)

// Error wraps a config failure with its kind, for callers that need to
// map onto the CLI's fixed exit codes (spec.md §6: exit 2 for config errors).
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return &Error{Kind: ErrInvalid, Err: fmt.Errorf(format, args...)}
}

// Load reads, parses, and validates the config file at path. TOML is
// the primary format; a .yaml/.yml extension is read as a legacy
// config for deployments migrating from an older, YAML-based miel
// install, converted through the same Config struct and subject to
// the same Validate call. Unknown keys are fatal in either format,
// per spec.md §6.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, invalid("read config %s: %w", path, err)
	}

	var cfg Config
	if isYAML(path) {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, invalid("parse legacy yaml config %s: %w", path, err)
		}
	} else {
		meta, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, invalid("parse config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, invalid("config %s: unknown keys: %v", path, undecoded)
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, invalid("config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Validate checks the invariants spec.md §3 requires of a ServiceConfig
// set: unique (port, transport) pairs, non-empty names and templates,
// a supported transport.
func Validate(cfg *Config) error {
	if len(cfg.Services) == 0 {
		return fmt.Errorf("no [[service]] blocks defined")
	}

	seenKeys := make(map[string]string, len(cfg.Services))
	seenNames := make(map[string]bool, len(cfg.Services))

	for i := range cfg.Services {
		svc := &cfg.Services[i]

		if svc.Name == "" {
			return fmt.Errorf("service[%d]: name is required", i)
		}
		if seenNames[svc.Name] {
			return fmt.Errorf("service %q: duplicate name", svc.Name)
		}
		seenNames[svc.Name] = true

		if svc.Protocol == "" {
			svc.Protocol = TransportTCP
		}
		if svc.Protocol != TransportTCP && svc.Protocol != TransportUDP {
			return fmt.Errorf("service %q: unsupported protocol %q", svc.Name, svc.Protocol)
		}
		// spec.md §9 Open Question: UDP session semantics are unspecified
		// upstream. The value parses but is rejected here; internal/session
		// has no UDP session model.
		if svc.Protocol == TransportUDP {
			return fmt.Errorf("service %q: protocol \"udp\" is not yet implemented (see Open Questions in SPEC_FULL.md)", svc.Name)
		}

		if !svc.SharedPort {
			if svc.Port <= 0 || svc.Port > 65535 {
				return fmt.Errorf("service %q: invalid port %d", svc.Name, svc.Port)
			}
		}

		if svc.ContainerTemplate == "" {
			return fmt.Errorf("service %q: container_template is required", svc.Name)
		}

		key := svc.key()
		if !svc.SharedPort {
			if other, exists := seenKeys[key]; exists {
				return fmt.Errorf("service %q: (port, protocol) %s already used by %q", svc.Name, key, other)
			}
			seenKeys[key] = svc.Name
		}

		if svc.PoolTarget < 0 {
			return fmt.Errorf("service %q: pool_target must be >= 0", svc.Name)
		}
	}

	if cfg.Global.MaxSessions < 0 {
		return fmt.Errorf("global.max_sessions must be >= 0")
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Global.BindAddress == "" {
		cfg.Global.BindAddress = "0.0.0.0"
	}
	if cfg.Global.LogLevel == "" {
		cfg.Global.LogLevel = "info"
	}
	if cfg.Global.LogDir == "" {
		cfg.Global.LogDir = "/var/log/miel"
	}
	if cfg.Global.MaxSessions == 0 {
		cfg.Global.MaxSessions = 512
	}
	for i := range cfg.Services {
		if cfg.Services[i].Capture == (Capture{}) {
			cfg.Services[i].Capture.Metadata = true
		}
	}
}
