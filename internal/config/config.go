// Package config loads the catalog of MCP servers a client connects to.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the catalog file used when neither a flag nor MCP_CONFIG names one.
const DefaultPath = "mcp.yaml"

// DefaultTimeout applies to servers that configure no timeout of their own.
const DefaultTimeout = 10 * time.Second

// Config is the server catalog.
type Config struct {
	// Timeout is the default per-request timeout for every server.
	Timeout time.Duration           `yaml:"timeout"`
	Servers map[string]ServerConfig `yaml:"servers"`
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	URL        string            `yaml:"url"`
	Transport  string            `yaml:"transport"`  // streamable_http (default) or stdio
	Command    []string          `yaml:"command"`    // stdio only: program and arguments
	Headers    map[string]string `yaml:"headers"`    // extra HTTP headers, e.g. API keys
	Timeout    time.Duration     `yaml:"timeout"`    // overrides Config.Timeout
	Addressing string            `yaml:"addressing"` // auto (default), standard or header
}

// Env holds the environment overrides.
type Env struct {
	ConfigPath string        `env:"MCP_CONFIG"`
	Timeout    time.Duration `env:"MCP_TIMEOUT"`
	Addressing string        `env:"MCP_ADDRESSING"`
}

// ReadEnv decodes the MCP_* environment variables. Unset variables leave their fields zero.
func ReadEnv() (Env, error) {
	var env Env
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Env{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	return env, nil
}

// Find returns the catalog path to load: explicit if given, otherwise MCP_CONFIG, otherwise DefaultPath.
func Find(explicit string, env Env) string {
	if explicit != "" {
		return explicit
	}
	if env.ConfigPath != "" {
		return env.ConfigPath
	}
	return DefaultPath
}

// Load reads the catalog at path, expands ${VAR} references, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	env, err := ReadEnv()
	if err != nil {
		return nil, err
	}
	return Parse(data, env)
}

// Parse decodes a catalog from YAML and applies env.
func Parse(data []byte, env Env) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnv(env)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the catalog with env: MCP_TIMEOUT replaces the default timeout and
// MCP_ADDRESSING replaces the addressing of every server.
func (c *Config) ApplyEnv(env Env) {
	if env.Timeout > 0 {
		c.Timeout = env.Timeout
	}
	if env.Addressing != "" {
		for name, s := range c.Servers {
			s.Addressing = env.Addressing
			c.Servers[name] = s
		}
	}
}

// Validate checks every server entry.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("config has no servers")
	}
	var errs []error
	for _, name := range c.Names() {
		s := c.Servers[name]
		if _, err := s.Endpoint(); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", name, err))
		}
		if _, err := ParseAddressing(s.Addressing); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", name, err))
		}
		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("server %s: negative timeout", name))
		}
	}
	return errors.Join(errs...)
}

// Names returns the server names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TimeoutFor returns the effective request timeout of the named server.
func (c *Config) TimeoutFor(name string) time.Duration {
	if s, ok := c.Servers[name]; ok && s.Timeout > 0 {
		return s.Timeout
	}
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Endpoint returns the endpoint of the server. For stdio servers the URL holds the command line.
func (s ServerConfig) Endpoint() (mcp.Endpoint, error) {
	kind, err := mcp.ParseTransportKind(s.Transport)
	if err != nil {
		return mcp.Endpoint{}, err
	}
	ep := mcp.Endpoint{URL: s.URL, Kind: kind}
	if kind == mcp.TransportStdIO {
		ep.URL = strings.Join(s.Command, " ")
	}
	if err := ep.Validate(); err != nil {
		return mcp.Endpoint{}, err
	}
	return ep, nil
}

// AddressingMode parses the configured addressing strategy.
func (s ServerConfig) AddressingMode() (mcp.Addressing, error) {
	return ParseAddressing(s.Addressing)
}

// ParseAddressing maps a configuration string to an addressing strategy. The empty string selects
// mcp.AddressingAuto.
func ParseAddressing(s string) (mcp.Addressing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return mcp.AddressingAuto, nil
	case "standard":
		return mcp.AddressingStandard, nil
	case "header":
		return mcp.AddressingHeader, nil
	}
	return mcp.AddressingAuto, fmt.Errorf("unknown addressing %q", s)
}
