// Package config loads the flow-cache service configuration file and
// watches it for changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/skupperproject/flowcache/pkg/flowcache"
	"github.com/skupperproject/flowcache/pkg/flowcache/query"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable consulted when no config file is
// given on the command line.
const EnvPath = "FLOWCACHE_CONFIG"

type File struct {
	Staleness query.StalenessPolicy `yaml:"staleness" json:"staleness"`
	Pool      Pool                  `yaml:"pool" json:"pool"`
	Sync      Sync                  `yaml:"sync" json:"sync"`
	Switches  []Switch              `yaml:"switches,omitempty" json:"switches,omitempty"`
	Logging   Logging               `yaml:"logging" json:"logging"`
}

type Pool struct {
	Workers   int `yaml:"workers" json:"workers"`
	QueueSize int `yaml:"queueSize" json:"queueSize"`
}

type Sync struct {
	RefreshTimeout     time.Duration `yaml:"refreshTimeout" json:"refreshTimeout"`
	RemovedGracePeriod time.Duration `yaml:"removedGracePeriod" json:"removedGracePeriod"`
	// SwitchTimeout is how long a switch may go without a beacon before it
	// is forgotten. Zero keeps switches forever.
	SwitchTimeout time.Duration `yaml:"switchTimeout" json:"switchTimeout"`
}

// Switch is a statically configured switch that does not send beacons.
type Switch struct {
	ID      flowcache.DPID `yaml:"id" json:"id"`
	Address string         `yaml:"address" json:"address"`
}

type Logging struct {
	// ReportRate limits logged switch reports per second. Negative disables
	// report logging.
	ReportRate  float64 `yaml:"reportRate" json:"reportRate"`
	ReportBurst int     `yaml:"reportBurst" json:"reportBurst"`
}

func Default() File {
	return File{
		Staleness: query.StalenessPolicy{RefreshTimeout: query.DefaultRefreshTimeout},
		Pool:      Pool{Workers: 4, QueueSize: 256},
		Sync: Sync{
			RefreshTimeout:     10 * time.Second,
			RemovedGracePeriod: time.Minute,
			SwitchTimeout:      time.Minute,
		},
		Logging: Logging{ReportRate: 1, ReportBurst: 5},
	}
}

// Path resolves the config file location: the explicit argument, then the
// FLOWCACHE_CONFIG environment variable. An empty result means no file.
func Path(arg string) string {
	if arg != "" {
		return arg
	}
	return os.Getenv(EnvPath)
}

// Load reads the file at path over the defaults. An empty path yields the
// defaults.
func Load(path string) (File, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (File, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("error parsing config file: %w", err)
	}
	return cfg, cfg.Validate()
}

func (f File) Validate() error {
	var errs []error
	if f.Staleness.MaxAge < 0 {
		errs = append(errs, errors.New("staleness.maxAge must not be negative"))
	}
	if f.Staleness.RefreshTimeout < 0 {
		errs = append(errs, errors.New("staleness.refreshTimeout must not be negative"))
	}
	if f.Pool.Workers < 0 || f.Pool.QueueSize < 0 {
		errs = append(errs, errors.New("pool sizes must not be negative"))
	}
	seen := make(map[flowcache.DPID]bool)
	for i, sw := range f.Switches {
		if err := sw.ID.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("switches[%d]: %w", i, err))
			continue
		}
		if sw.Address == "" {
			errs = append(errs, fmt.Errorf("switches[%d]: address is required", i))
		}
		if seen[sw.ID] {
			errs = append(errs, fmt.Errorf("switches[%d]: duplicate id %s", i, sw.ID))
		}
		seen[sw.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", flowcache.ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}
