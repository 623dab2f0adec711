/*
Copyright © 2026 the Flume authors.
This file is part of Flume.

Flume is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Flume is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Flume.  If not, see <http://www.gnu.org/licenses/>.
*/

package flumeutil

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spatialflood/flume"
)

// Config is the simulation configuration document. It is decoded from a
// TOML file named by the --config flag; paths may include environment
// variables.
type Config struct {
	// DomainFile is the terrain input container.
	DomainFile string

	// RainSources lists the precipitation inputs to blend.
	RainSources []RainSourceConfig

	// StartTime and EndTime bound the run window (RFC 3339). The step
	// count is the window length divided by Dt.
	StartTime string
	EndTime   string

	// Dt is the timestep length in seconds.
	Dt float64

	// NSteps overrides the step count computed from the window.
	NSteps int

	// IaRatio is the initial-abstraction ratio of the runoff model.
	IaRatio float64

	// THillslope and TChannel are the per-hop travel times in seconds.
	THillslope float64
	TChannel   float64

	// Beta, PLow, and PHigh parameterize the risk index.
	Beta  float64
	PLow  float64
	PHigh float64

	// VTarget, VMin, and NMaxPerCell bound particle spawning.
	VTarget     float64
	VMin        float64
	NMaxPerCell int

	// AggregationInterval is the flood-depth aggregation cadence in
	// steps.
	AggregationInterval int

	// CheckpointFile and CheckpointCadence control state saves. An
	// empty file disables checkpointing.
	CheckpointFile    string
	CheckpointCadence int

	// RestartFile resumes a run from a previous checkpoint.
	RestartFile string

	// OutputFile receives the flood depth and risk index frames.
	OutputFile string

	// OutputVariables maps output names to expressions over the model
	// fields. Empty means flood_depth and risk_index.
	OutputVariables map[string]string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// RainSourceConfig configures one precipitation input.
type RainSourceConfig struct {
	Name    string
	Kind    string
	Weight  float64
	Mode    string
	Path    string
	Var     string
	TimeVar string
	Value   float64
}

// defaults returns the documented default configuration.
func defaults() Config {
	return Config{
		Dt:                  60,
		IaRatio:             flume.DefaultIaRatio,
		THillslope:          600,
		TChannel:            60,
		Beta:                0.5,
		PLow:                5,
		PHigh:               95,
		VTarget:             1,
		VMin:                1e-3,
		NMaxPerCell:         64,
		AggregationInterval: 1,
		LogLevel:            "info",
	}
}

// ReadConfig loads and validates a configuration file.
func ReadConfig(path string) (*Config, error) {
	cfg := defaults()
	b, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", flume.ErrConfigurationInvalid, path, err)
	}
	if _, err := toml.Decode(string(b), &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", flume.ErrConfigurationInvalid, path, err)
	}
	cfg.DomainFile = os.ExpandEnv(cfg.DomainFile)
	cfg.CheckpointFile = os.ExpandEnv(cfg.CheckpointFile)
	cfg.RestartFile = os.ExpandEnv(cfg.RestartFile)
	cfg.OutputFile = os.ExpandEnv(cfg.OutputFile)
	for i := range cfg.RainSources {
		cfg.RainSources[i].Path = os.ExpandEnv(cfg.RainSources[i].Path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks parameter ranges.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", flume.ErrConfigurationInvalid, fmt.Sprintf(format, args...))
	}
	if c.DomainFile == "" {
		return fail("DomainFile is required")
	}
	if c.Dt <= 0 {
		return fail("Dt must be positive, got %g", c.Dt)
	}
	if c.IaRatio < 0 || c.IaRatio > 1 {
		return fail("IaRatio %g outside [0, 1]", c.IaRatio)
	}
	if c.THillslope < 0 || c.TChannel < 0 {
		return fail("travel times must be non-negative")
	}
	if c.Beta < 0 || c.Beta > 1 {
		return fail("Beta %g outside [0, 1]", c.Beta)
	}
	if c.PLow < 0 || c.PHigh > 100 || c.PLow >= c.PHigh {
		return fail("percentiles (%g, %g) invalid", c.PLow, c.PHigh)
	}
	if c.VTarget <= 0 {
		return fail("VTarget must be positive, got %g", c.VTarget)
	}
	if c.VMin < 0 || c.VMin > c.VTarget {
		return fail("VMin %g outside [0, VTarget]", c.VMin)
	}
	if c.NMaxPerCell < 1 {
		return fail("NMaxPerCell must be at least 1, got %d", c.NMaxPerCell)
	}
	if c.AggregationInterval < 1 {
		return fail("AggregationInterval must be at least 1, got %d", c.AggregationInterval)
	}
	if c.NSteps <= 0 {
		if _, _, n, err := c.Window(); err != nil || n <= 0 {
			return fail("need NSteps, or StartTime and EndTime spanning at least one step")
		}
	}
	if c.OutputFile == "" {
		return fail("OutputFile is required")
	}
	return nil
}

// Window parses the run window and returns its bounds and step count.
func (c *Config) Window() (start, end time.Time, nSteps int, err error) {
	if c.StartTime != "" {
		start, err = time.Parse(time.RFC3339, c.StartTime)
		if err != nil {
			return start, end, 0, fmt.Errorf("%w: StartTime: %v", flume.ErrConfigurationInvalid, err)
		}
	}
	if c.EndTime != "" {
		end, err = time.Parse(time.RFC3339, c.EndTime)
		if err != nil {
			return start, end, 0, fmt.Errorf("%w: EndTime: %v", flume.ErrConfigurationInvalid, err)
		}
	}
	nSteps = c.NSteps
	if nSteps <= 0 && !start.IsZero() && !end.IsZero() {
		nSteps = int(end.Sub(start).Seconds() / c.Dt)
	}
	return start, end, nSteps, nil
}

// Sources converts the rain source configurations into engine inputs.
func (c *Config) Sources() []flume.RainSource {
	out := make([]flume.RainSource, len(c.RainSources))
	for i, s := range c.RainSources {
		mode := s.Mode
		if mode == "" {
			mode = flume.RainModeIntensity
		}
		kind := s.Kind
		if kind == "" {
			kind = flume.RainKindNetCDF
		}
		weight := s.Weight
		if weight == 0 {
			weight = 1
		}
		out[i] = flume.RainSource{
			Name:    s.Name,
			Kind:    kind,
			Weight:  weight,
			Mode:    mode,
			Path:    s.Path,
			Var:     s.Var,
			TimeVar: s.TimeVar,
			Value:   s.Value,
		}
	}
	return out
}
