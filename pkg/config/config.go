// Package config loads the tuner configuration from YAML and applies
// TUNER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
	"serverless-dag-tuner/pkg/dag"
	"serverless-dag-tuner/pkg/executor"
	"serverless-dag-tuner/pkg/perfmodel"
	"serverless-dag-tuner/pkg/scheduler"
	"serverless-dag-tuner/pkg/slo"
	"serverless-dag-tuner/pkg/storage"
	"serverless-dag-tuner/pkg/util"
)

// AllStages is the config-space key applying a config to every stage.
const AllStages = "*"

type Config struct {
	Workflow    WorkflowConfig       `yaml:"workflow"`
	Profiling   ProfilingConfig      `yaml:"profiling"`
	Scheduler   SchedulerConfig      `yaml:"scheduler"`
	Tuning      TuningConfig         `yaml:"tuning"`
	Storage     storage.MinIOOptions `yaml:"storage"`
	Executor    executor.HTTPOptions `yaml:"executor"`
	MaxInFlight int                  `yaml:"maxInFlight"`
	Persistence PersistenceConfig    `yaml:"persistence"`
	Server      ServerConfig         `yaml:"server"`
}

type WorkflowConfig struct {
	Name   string        `yaml:"name"`
	Stages []StageConfig `yaml:"stages"`
	Edges  []EdgeConfig  `yaml:"edges"`
}

type StageConfig struct {
	ID      string `yaml:"id"`
	Compute string `yaml:"compute"`
	// Parallelizable defaults to true.
	Parallelizable *bool                   `yaml:"parallelizable"`
	MaxConcurrency int                     `yaml:"maxConcurrency"`
	InputBucket    string                  `yaml:"inputBucket"`
	InputPrefix    string                  `yaml:"inputPrefix"`
	OutputPrefix   string                  `yaml:"outputPrefix"`
	Params         map[string]string       `yaml:"params"`
	Config         v1alpha1.ResourceConfig `yaml:"config"`
}

type EdgeConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type ProfilingConfig struct {
	// ConfigSpace lists combinations as stage id -> config; the "*" key
	// applies to every stage without its own entry.
	ConfigSpace []map[string]v1alpha1.ResourceConfig `yaml:"configSpace"`
	Repetitions int                                  `yaml:"repetitions"`
	ProfileDir  string                               `yaml:"profileDir"`
	ModelDir    string                               `yaml:"modelDir"`
}

type SchedulerConfig struct {
	Name string `yaml:"name"`
	// Bound is a bound expression such as "latency<=40@0.05".
	Bound                 string                   `yaml:"bound"`
	TotalParallelism      int                      `yaml:"totalParallelism"`
	CPUPerWorker          float64                  `yaml:"cpuPerWorker"`
	Seed                  int64                    `yaml:"seed"`
	DistributionScale     float64                  `yaml:"distributionScale"`
	MaxDistributionPoints int                      `yaml:"maxDistributionPoints"`
	Jolteon               scheduler.JolteonOptions `yaml:"jolteon"`
	Orion                 scheduler.OrionOptions   `yaml:"orion"`
	GP                    perfmodel.GPConfig       `yaml:"gp"`
}

// TuningConfig drives per-stage Genetic optimization.
type TuningConfig struct {
	Objective constants.Objective   `yaml:"objective"`
	Bounds    v1alpha1.ConfigBounds `yaml:"bounds"`
}

type PersistenceConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type ServerConfig struct {
	Listen    string  `yaml:"listen"`
	RateLimit float64 `yaml:"rateLimit"`
	Burst     int     `yaml:"burst"`
}

// Default returns a configuration for a local dry run with Jolteon.
func Default() *Config {
	return &Config{
		Workflow: WorkflowConfig{Name: "workflow"},
		Profiling: ProfilingConfig{
			Repetitions: 3,
			ProfileDir:  "profiles",
		},
		Scheduler: SchedulerConfig{
			Name:                  constants.SchedulerJolteon,
			Bound:                 "latency<=60",
			TotalParallelism:      32,
			CPUPerWorker:          constants.DefaultCPU,
			Seed:                  1,
			DistributionScale:     constants.DefaultDistributionScale,
			MaxDistributionPoints: constants.DefaultMaxDistributionPoints,
			GP:                    perfmodel.DefaultGPConfig(),
		},
		Tuning: TuningConfig{
			Objective: constants.DefaultObjective,
			Bounds: v1alpha1.ConfigBounds{
				CPU:     v1alpha1.Range{Min: 0.5, Max: 6},
				Memory:  v1alpha1.Range{Min: 512, Max: 10240},
				Workers: v1alpha1.Range{Min: 1, Max: 32},
			},
		},
		Executor:    executor.HTTPOptions{Timeout: 15 * time.Minute},
		MaxInFlight: constants.DefaultMaxInFlight,
		Persistence: PersistenceConfig{Namespace: constants.ProfileNamespace},
		Server:      ServerConfig{RateLimit: 50, Burst: 100},
	}
}

// Load reads path (optional) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(constants.EnvPrefix)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides scalar settings from <prefix><SECTION>_<FIELD> variables.
func (c *Config) ApplyEnv(prefix string) {
	env := func(path string) string { return util.EnvKey(prefix, path) }

	c.Scheduler.Name = util.GetEnvOrDefault(env("scheduler.name"), c.Scheduler.Name)
	c.Scheduler.Bound = util.GetEnvOrDefault(env("scheduler.bound"), c.Scheduler.Bound)
	c.Scheduler.TotalParallelism = util.GetEnvInt(env("scheduler.total_parallelism"), c.Scheduler.TotalParallelism)
	c.Scheduler.CPUPerWorker = util.GetEnvFloat(env("scheduler.cpu_per_worker"), c.Scheduler.CPUPerWorker)
	c.Scheduler.Seed = int64(util.GetEnvInt(env("scheduler.seed"), int(c.Scheduler.Seed)))
	c.Scheduler.Jolteon.Risk = util.GetEnvFloat(env("scheduler.jolteon.risk"), c.Scheduler.Jolteon.Risk)

	c.Profiling.Repetitions = util.GetEnvInt(env("profiling.repetitions"), c.Profiling.Repetitions)
	c.Profiling.ProfileDir = util.GetEnvOrDefault(env("profiling.profile_dir"), c.Profiling.ProfileDir)
	c.Profiling.ModelDir = util.GetEnvOrDefault(env("profiling.model_dir"), c.Profiling.ModelDir)

	c.Storage.Endpoint = util.GetEnvOrDefault(env("storage.endpoint"), c.Storage.Endpoint)
	c.Storage.AccessKey = util.GetEnvOrDefault(env("storage.access_key"), c.Storage.AccessKey)
	c.Storage.SecretKey = util.GetEnvOrDefault(env("storage.secret_key"), c.Storage.SecretKey)
	c.Storage.UseSSL = util.GetEnvBool(env("storage.use_ssl"), c.Storage.UseSSL)

	c.Executor.Gateway = util.GetEnvOrDefault(env("executor.gateway"), c.Executor.Gateway)
	c.Executor.Rate = util.GetEnvFloat(env("executor.rate"), c.Executor.Rate)
	c.Executor.Timeout = util.GetEnvDuration(env("executor.timeout"), c.Executor.Timeout)
	c.MaxInFlight = util.GetEnvInt(env("max_in_flight"), c.MaxInFlight)

	c.Persistence.Enabled = util.GetEnvBool(env("persistence.enabled"), c.Persistence.Enabled)
	c.Persistence.Namespace = util.GetEnvOrDefault(env("persistence.namespace"), c.Persistence.Namespace)
	c.Server.Listen = util.GetEnvOrDefault(env("server.listen"), c.Server.Listen)
}

// Validate reports every structural problem at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := scheduler.ModelKindFor(c.Scheduler.Name); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.Bound != "" {
		if _, err := slo.ParseBound(c.Scheduler.Bound); err != nil {
			errs = append(errs, err)
		}
	} else if c.Scheduler.Name == constants.SchedulerJolteon {
		errs = append(errs, fmt.Errorf("scheduler.bound is required for %s", c.Scheduler.Name))
	}
	if r := c.Scheduler.Jolteon.Risk; r < 0 || r >= 1 {
		errs = append(errs, fmt.Errorf("scheduler.jolteon.risk must be in [0, 1), got %g", r))
	}
	for _, w := range c.Scheduler.Jolteon.WorkersGrid {
		if w < 1 {
			errs = append(errs, fmt.Errorf("scheduler.jolteon.workersGrid: %d is not positive", w))
		}
	}
	for _, cpu := range c.Scheduler.Jolteon.CPUGrid {
		if cpu <= 0 {
			errs = append(errs, fmt.Errorf("scheduler.jolteon.cpuGrid: %g is not positive", cpu))
		}
	}
	if c.Scheduler.TotalParallelism < 0 {
		errs = append(errs, fmt.Errorf("scheduler.totalParallelism must not be negative"))
	}
	if c.Profiling.Repetitions < 1 {
		errs = append(errs, fmt.Errorf("profiling.repetitions must be at least 1"))
	}
	if c.Tuning.Objective != "" && !constants.ValidObjectives[c.Tuning.Objective] {
		errs = append(errs, fmt.Errorf("tuning.objective %q is not supported", c.Tuning.Objective))
	}

	seen := map[string]bool{}
	for i, s := range c.Workflow.Stages {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("workflow.stages[%d]: id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("workflow.stages[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
	}
	for i, e := range c.Workflow.Edges {
		if !seen[e.From] || !seen[e.To] {
			errs = append(errs, fmt.Errorf("workflow.edges[%d]: %s -> %s references an unknown stage", i, e.From, e.To))
		}
	}
	for i, combo := range c.Profiling.ConfigSpace {
		for id := range combo {
			if id != AllStages && !seen[id] {
				errs = append(errs, fmt.Errorf("profiling.configSpace[%d]: unknown stage %q", i, id))
			}
		}
	}
	return errors.Join(errs...)
}

// BuildDAG creates the workflow's stages and edges.
func (c *Config) BuildDAG() (*dag.DAG, error) {
	d := dag.New(c.Workflow.Name)
	for _, sc := range c.Workflow.Stages {
		s := dag.NewStage(sc.ID, sc.Compute)
		if sc.Parallelizable != nil {
			s.Parallelizable = *sc.Parallelizable
		}
		if sc.MaxConcurrency > 0 {
			s.MaxConcurrency = sc.MaxConcurrency
		}
		s.InputBucket = sc.InputBucket
		s.InputPrefix = sc.InputPrefix
		s.OutputPrefix = sc.OutputPrefix
		for k, v := range sc.Params {
			s.Params[k] = v
		}
		if sc.Config.Workers > 0 {
			s.Config = sc.Config
		}
		if err := d.AddStage(s); err != nil {
			return nil, err
		}
	}
	for _, e := range c.Workflow.Edges {
		from, ok := d.Stage(e.From)
		if !ok {
			return nil, fmt.Errorf("edge %s -> %s: %w", e.From, e.To, dag.ErrUnknownStage)
		}
		to, ok := d.Stage(e.To)
		if !ok {
			return nil, fmt.Errorf("edge %s -> %s: %w", e.From, e.To, dag.ErrUnknownStage)
		}
		if err := d.AddChild(from, to); err != nil {
			return nil, err
		}
	}
	if _, err := d.TopologicalOrder(); err != nil {
		return nil, err
	}
	return d, nil
}

// ConfigSpace expands the profiling combinations into one config per stage
// index. Stages without an entry keep a zero config, which the orchestrator
// rejects.
func (c *Config) ConfigSpace(d *dag.DAG) [][]v1alpha1.ResourceConfig {
	out := make([][]v1alpha1.ResourceConfig, 0, len(c.Profiling.ConfigSpace))
	for _, combo := range c.Profiling.ConfigSpace {
		row := make([]v1alpha1.ResourceConfig, d.Len())
		for _, s := range d.Stages() {
			if cfg, ok := combo[s.ID]; ok {
				row[s.Idx] = cfg
			} else if cfg, ok := combo[AllStages]; ok {
				row[s.Idx] = cfg
			}
			if !s.Parallelizable && row[s.Idx].Workers > 1 {
				row[s.Idx].Workers = 1
			}
		}
		out = append(out, row)
	}
	return out
}

// ModelOptions are the perfmodel options derived from the scheduler section.
func (c *Config) ModelOptions() perfmodel.Options {
	return perfmodel.Options{
		Seed:                  c.Scheduler.Seed,
		DistributionScale:     c.Scheduler.DistributionScale,
		MaxDistributionPoints: c.Scheduler.MaxDistributionPoints,
		GP:                    c.Scheduler.GP,
	}
}

// SchedulerOptions assembles scheduler.Options; the bound is parsed here.
func (c *Config) SchedulerOptions() (scheduler.Options, error) {
	opts := scheduler.Options{
		TotalParallelism: c.Scheduler.TotalParallelism,
		CPUPerWorker:     c.Scheduler.CPUPerWorker,
		Model:            c.ModelOptions(),
		Jolteon:          c.Scheduler.Jolteon,
		Orion:            c.Scheduler.Orion,
	}
	if c.Scheduler.Bound != "" {
		b, err := slo.ParseBound(c.Scheduler.Bound)
		if err != nil {
			return opts, err
		}
		opts.Bound = b
		// Orion reads a latency bound as its target unless one is set.
		if b.Objective == constants.ObjectiveLatency && opts.Orion.TargetLatency == 0 {
			opts.Orion.TargetLatency = b.Value
			if b.Risk > 0 && opts.Orion.Confidence == 0 {
				opts.Orion.Confidence = 1 - b.Risk
			}
		}
	}
	return opts, nil
}
