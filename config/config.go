// Package config handles minion.toml configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked for by FindAndLoad.
const FileName = "minion.toml"

// Config represents a minion.toml configuration.
type Config struct {
	Server  Server  `toml:"server"`
	Log     Log     `toml:"log"`
	Journal Journal `toml:"journal"`
	Agent   Agent   `toml:"agent"`

	// Dir is the directory containing the minion.toml file (set at load time).
	Dir string `toml:"-"`
}

// Server configures the listening side.
type Server struct {
	Listen        string   `toml:"listen"`
	Status        string   `toml:"status"`
	LocalOnly     bool     `toml:"local-only"`
	HandleTTL     Duration `toml:"handle-ttl"`
	SweepInterval Duration `toml:"sweep-interval"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Journal configures the call journal. An empty path disables it.
type Journal struct {
	Path string `toml:"path"`
}

// Agent configures the instrumentation capability installed at startup.
type Agent struct {
	Enabled bool      `toml:"enabled"`
	Args    string    `toml:"args"`
	Rewrite []Rewrite `toml:"rewrite"`
}

// Rewrite is one literal source substitution.
type Rewrite struct {
	From string `toml:"from"`
	To   string `toml:"to"`
}

// Duration is a time.Duration written as "30m" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.HandleTTL.Duration == 0 {
		c.Server.HandleTTL.Duration = 30 * time.Minute
	}
	if c.Server.SweepInterval.Duration == 0 {
		c.Server.SweepInterval.Duration = 5 * time.Minute
	}
}

// Load parses a minion.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	c.applyDefaults()
	for i, r := range c.Agent.Rewrite {
		if r.From == "" {
			return nil, fmt.Errorf("%s: agent.rewrite[%d] has an empty from", path, i)
		}
	}

	return &c, nil
}

// FindAndLoad walks up from startDir to find a minion.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// JournalPath resolves the journal path against the config directory.
// ":memory:" and absolute paths are returned as is.
func (c *Config) JournalPath() string {
	p := c.Journal.Path
	if p == "" || p == ":memory:" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Replacer builds the source rewriter configured under [agent].
func (c *Config) Replacer() *strings.Replacer {
	pairs := make([]string, 0, 2*len(c.Agent.Rewrite))
	for _, r := range c.Agent.Rewrite {
		pairs = append(pairs, r.From, r.To)
	}
	return strings.NewReplacer(pairs...)
}
