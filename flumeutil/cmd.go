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

// Package flumeutil wires the simulation engine to its command-line
// interface and configuration surface.
package flumeutil

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialflood/flume"
	"github.com/spatialflood/flume/cluster"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds the merged flag and configuration values.
var Cfg *viper.Viper

// Root is the main command.
var Root = &cobra.Command{
	Use:   "flume",
	Short: "Flume is a distributed Lagrangian flood-routing model.",
	Long: `Flume transports discrete water parcels along precomputed D8 flow
directions to estimate surface runoff, flood depth, and a derived risk
index over gridded terrain.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation.",
	Long: `run executes the simulation described by the configuration file.
With --size greater than one, this process participates in a process
mesh as the rank given by --rank; rank 0 performs all file output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Run()
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run as a non-interactive mesh rank.",
	Long: `worker joins a process mesh as the rank given by --rank. It is the
command the launcher starts on remote nodes; it behaves exactly like
run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Run()
	},
}

var preprocCmd = &cobra.Command{
	Use:   "preproc",
	Short: "Derive missing D8 directions for a domain.",
	Long: `preproc reads the domain named by the configuration file, derives D8
directions from its elevation model by steepest descent, and writes the
completed domain to the path given by --preproc-out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Preproc()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number.",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Flume v%s\n", flume.Version)
		return nil
	},
}

var options = []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}{
	{
		name: "config",
		usage: `
              config specifies the configuration file location.`,
		defaultVal: "",
		flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
	},
	{
		name: "rank",
		usage: `
              rank is this process's position in the mesh.`,
		defaultVal: 0,
		flagsets:   []*pflag.FlagSet{runCmd.Flags(), workerCmd.Flags()},
	},
	{
		name: "size",
		usage: `
              size is the total number of mesh ranks.`,
		defaultVal: 1,
		flagsets:   []*pflag.FlagSet{runCmd.Flags(), workerCmd.Flags()},
	},
	{
		name: "nodes",
		usage: `
              nodes is the comma-separated host list, one per rank, in
              rank order. Empty means a single-process run.`,
		defaultVal: "",
		flagsets:   []*pflag.FlagSet{runCmd.Flags(), workerCmd.Flags()},
	},
	{
		name: "rpcport",
		usage: `
              rpcport specifies the port used for peer communication in
              a process mesh.`,
		defaultVal: cluster.RPCPort,
		flagsets:   []*pflag.FlagSet{runCmd.Flags(), workerCmd.Flags()},
	},
	{
		name: "restart",
		usage: `
              restart resumes the run from the given checkpoint,
              overriding the RestartFile configuration entry.`,
		defaultVal: "",
		flagsets:   []*pflag.FlagSet{runCmd.Flags(), workerCmd.Flags()},
	},
	{
		name: "preproc-out",
		usage: `
              preproc-out is the path the preprocessor writes the
              completed domain to.`,
		defaultVal: "",
		flagsets:   []*pflag.FlagSet{preprocCmd.Flags()},
	},
}

func init() {
	Cfg = viper.New()
	for _, opt := range options {
		for _, fs := range opt.flagsets {
			switch v := opt.defaultVal.(type) {
			case string:
				fs.StringP(opt.name, opt.shorthand, v, opt.usage)
			case int:
				fs.IntP(opt.name, opt.shorthand, v, opt.usage)
			case bool:
				fs.BoolP(opt.name, opt.shorthand, v, opt.usage)
			default:
				panic(fmt.Sprintf("unsupported option type %T for %s", v, opt.name))
			}
			Cfg.BindPFlag(opt.name, fs.Lookup(opt.name))
		}
		Cfg.SetDefault(opt.name, opt.defaultVal)
	}
	Root.AddCommand(runCmd, workerCmd, preprocCmd, versionCmd)
}

// ExitCode maps an error to the documented process exit codes:
// 0 success, 1 fatal runtime, 2 invalid configuration, 3 incompatible
// restart state.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flume.ErrConfigurationInvalid):
		return 2
	case errors.Is(err, flume.ErrStateIncompatible):
		return 3
	}
	return 1
}

func newLogger(level string, rank int) logrus.FieldLogger {
	l := logrus.New()
	if lv, err := logrus.ParseLevel(level); err == nil {
		l.Level = lv
	}
	return l.WithField("rank", rank)
}

// Run executes a simulation with the current flag and configuration
// values.
func Run() error {
	cfgPath := Cfg.GetString("config")
	if cfgPath == "" {
		return fmt.Errorf("%w: no configuration file; use --config", flume.ErrConfigurationInvalid)
	}
	cfg, err := ReadConfig(cfgPath)
	if err != nil {
		return err
	}
	if r := Cfg.GetString("restart"); r != "" {
		cfg.RestartFile = r
	}

	rank := cast.ToInt(Cfg.Get("rank"))
	size := cast.ToInt(Cfg.Get("size"))
	log := newLogger(cfg.LogLevel, rank)

	t, closer, err := newTransport(rank, size)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer()
	}

	f, err := BuildEngine(cfg, t, log)
	if err != nil {
		return err
	}

	cancel := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Warn("signal received; finishing the current step")
		close(cancel)
	}()
	f.Cancel = cancel

	if err := f.Init(); err != nil {
		return err
	}
	if err := f.Run(); err != nil {
		// Best effort: leave a restartable state behind fatal errors.
		if cfg.CheckpointFile != "" {
			if cerr := flume.WriteCheckpoint(cfg.CheckpointFile, f, t); cerr != nil {
				log.WithError(cerr).Error("writing final checkpoint")
			}
		}
		return err
	}
	if f.Interrupted {
		log.Info("interrupted; writing final checkpoint")
		if cfg.CheckpointFile != "" {
			if err := flume.WriteCheckpoint(cfg.CheckpointFile, f, t); err != nil {
				return err
			}
		}
		return nil
	}
	return f.Cleanup()
}

// newTransport builds the migration transport for this process: a
// loopback for serial runs, or an RPC mesh endpoint when size > 1.
func newTransport(rank, size int) (flume.Transport, func(), error) {
	if size <= 1 {
		return flume.NewSelfTransport(), nil, nil
	}
	nodes := Cfg.GetString("nodes")
	if nodes == "" {
		return nil, nil, fmt.Errorf("%w: --size=%d needs --nodes", flume.ErrConfigurationInvalid, size)
	}
	addrs := strings.Split(nodes, ",")
	t, err := cluster.New(cluster.Options{
		Rank:  rank,
		Size:  size,
		Addrs: addrs,
		Port:  Cfg.GetString("rpcport"),
	})
	if err != nil {
		return nil, nil, err
	}
	return t, t.Close, nil
}

// BuildEngine assembles the simulation pipeline for one rank.
func BuildEngine(cfg *Config, t flume.Transport, log logrus.FieldLogger) (*flume.Flume, error) {
	start, end, nSteps, err := cfg.Window()
	if err != nil {
		return nil, err
	}

	f := &flume.Flume{
		Dt: cfg.Dt,
		Spawn: flume.SpawnConfig{
			VTarget:     cfg.VTarget,
			VMin:        cfg.VMin,
			NMaxPerCell: cfg.NMaxPerCell,
		},
		Router: flume.RouterConfig{
			THillslope: cfg.THillslope,
			TChannel:   cfg.TChannel,
		},
		StartTime: start,
		Log:       log,
	}
	f.SetRisk(flume.RiskConfig{Beta: cfg.Beta, PLow: cfg.PLow, PHigh: cfg.PHigh})

	f.InitFuncs = []flume.EngineOp{
		flume.LoadDomain(cfg.DomainFile),
		flume.InitSlab(t.Rank(), t.Size()),
		setIaRatio(cfg.IaRatio),
	}
	if cfg.RestartFile != "" {
		f.InitFuncs = append(f.InitFuncs, flume.LoadCheckpoint(cfg.RestartFile, t))
	}

	f.InitFuncs = append(f.InitFuncs, func(f *flume.Flume) error {
		rain, err := flume.NewRainfall(cfg.Sources(), f.Domain.Ny, f.Domain.Nx, start, end)
		if err != nil {
			return err
		}
		rain.Log = f.Log
		f.RunFuncs = buildRunFuncs(f, cfg, t, rain, nSteps)
		return nil
	})

	out, err := flume.NewOutputter(cfg.OutputFile, cfg.OutputVariables)
	if err != nil {
		return nil, err
	}
	f.CleanupFuncs = []flume.EngineOp{flume.WriteResults(out, t)}
	return f, nil
}

func buildRunFuncs(f *flume.Flume, cfg *Config, t flume.Transport, rain *flume.Rainfall, nSteps int) []flume.EngineOp {
	funcs := []flume.EngineOp{
		flume.AddRainfall(rain),
		flume.GenerateRunoff(),
		flume.SpawnParticles(),
		flume.RouteParticles(),
		flume.Migrate(t),
		flume.StepConvergenceCheck(nSteps),
		flume.RunPeriodically(cfg.AggregationInterval, flume.Aggregate(t)),
	}
	if cfg.CheckpointFile != "" {
		cadence := cfg.CheckpointCadence
		funcs = append(funcs,
			flume.RunPeriodically(cadence, flume.MassBalance(t, 1e-6, 1e-3)),
			flume.Checkpoint(cfg.CheckpointFile, cadence, t))
	}
	if t.Rank() == 0 {
		funcs = append(funcs, flume.Log(os.Stdout))
	}
	return funcs
}

func setIaRatio(ia float64) flume.EngineOp {
	return func(f *flume.Flume) error {
		f.Gen.IaRatio = ia
		return nil
	}
}

// Preproc derives D8 directions from the configured domain's elevation
// model and writes a completed domain container.
func Preproc() error {
	cfgPath := Cfg.GetString("config")
	if cfgPath == "" {
		return fmt.Errorf("%w: no configuration file; use --config", flume.ErrConfigurationInvalid)
	}
	cfg, err := ReadConfig(cfgPath)
	if err != nil {
		return err
	}
	outPath := Cfg.GetString("preproc-out")
	if outPath == "" {
		return fmt.Errorf("%w: preproc needs --preproc-out", flume.ErrConfigurationInvalid)
	}
	d, err := flume.ReadDomain(cfg.DomainFile)
	if err != nil {
		return err
	}
	d.Dir = flume.DeriveD8(d.Elevation, d.Active, d.Encoding)
	return flume.WriteDomain(outPath, d)
}
