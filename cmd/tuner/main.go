package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/time/rate"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/config"
	"serverless-dag-tuner/pkg/constants"
	"serverless-dag-tuner/pkg/executor"
	"serverless-dag-tuner/pkg/orchestrator"
	"serverless-dag-tuner/pkg/profile"
	"serverless-dag-tuner/pkg/scheduler"
	"serverless-dag-tuner/pkg/server"
	"serverless-dag-tuner/pkg/signals"
	"serverless-dag-tuner/pkg/storage"
)

const (
	modeProfile  = "profile"
	modeTrain    = "train"
	modeOptimize = "optimize"
	modeTune     = "tune"
	modeRun      = "run"
	modeAll      = "all"
)

var (
	configPath string
	mode       string
	masterURL  string
	kubeconfig string
	listenAddr string
)

func main() {
	klog.InitFlags(nil)
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration")
	flag.StringVar(&mode, "mode", modeAll, "One of profile, train, optimize, tune, run, all")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig, used when persistence is enabled")
	flag.StringVar(&masterURL, "master", "", "Kubernetes API server URL")
	flag.StringVar(&listenAddr, "listen", "", "Status server address; overrides server.listen")
	flag.Parse()

	ctx := signals.SetupSignalContext()

	cfg, err := config.Load(configPath)
	if err != nil {
		klog.Fatalf("Error loading config: %v", err)
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}

	if err := run(ctx, cfg); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func run(ctx context.Context, cfg *config.Config) error {
	d, err := cfg.BuildDAG()
	if err != nil {
		return fmt.Errorf("build workflow: %w", err)
	}
	klog.Infof("Workflow %s: %d stages", cfg.Workflow.Name, d.Len())

	var objects storage.Store
	if cfg.Storage.Endpoint != "" {
		m, err := storage.NewMinIO(cfg.Storage)
		if err != nil {
			return fmt.Errorf("connect storage: %w", err)
		}
		objects = m
	}

	var exec executor.Service
	if cfg.Executor.Gateway != "" {
		invoker, err := executor.NewHTTPInvoker(cfg.Executor)
		if err != nil {
			return err
		}
		exec = executor.NewPool(invoker, cfg.MaxInFlight)
	}

	store := profile.NewStore()
	if err := store.Load(cfg.Profiling.ProfileDir); err != nil {
		return err
	}

	var dyn dynamic.Interface
	if cfg.Persistence.Enabled {
		restCfg, err := clientcmd.BuildConfigFromFlags(masterURL, kubeconfig)
		if err != nil {
			return fmt.Errorf("build kubeconfig: %w", err)
		}
		if dyn, err = dynamic.NewForConfig(restCfg); err != nil {
			return fmt.Errorf("build dynamic client: %w", err)
		}
		if err := store.LoadFromCRD(ctx, dyn, cfg.Persistence.Namespace); err != nil {
			klog.Warningf("Failed to load profiles from the cluster: %v", err)
		}
	}

	schedOpts, err := cfg.SchedulerOptions()
	if err != nil {
		return err
	}
	deps := scheduler.Deps{}
	orchOpts := orchestrator.Options{
		ProfileDir: cfg.Profiling.ProfileDir,
		ModelDir:   cfg.Profiling.ModelDir,
	}
	if objects != nil {
		deps.Sizer = objects
		orchOpts.Chunker = objects
	}
	sched, err := scheduler.New(cfg.Scheduler.Name, d, schedOpts, deps)
	if err != nil {
		return err
	}

	orch := orchestrator.New(d, exec, store, orchOpts)
	orch.SetScheduler(sched)

	serverDone := make(chan error, 1)
	if cfg.Server.Listen != "" {
		srv := server.NewServer(orch, rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.Burst))
		go func() { serverDone <- srv.Run(ctx, cfg.Server.Listen) }()
	}

	needsExec := mode == modeProfile || mode == modeRun || mode == modeAll
	if needsExec && exec == nil {
		return fmt.Errorf("mode %s needs executor.gateway", mode)
	}

	for _, step := range steps(mode) {
		klog.Infof("Running %s", step)
		switch step {
		case modeProfile:
			if err := orch.Profile(ctx, cfg.ConfigSpace(d), cfg.Profiling.Repetitions); err != nil {
				return err
			}
			if dyn != nil {
				if _, err := store.SaveToCRD(ctx, dyn, cfg.Persistence.Namespace); err != nil {
					klog.Warningf("Failed to save profiles to the cluster: %v", err)
				}
			}
		case modeTrain:
			if err := orch.Train(); err != nil {
				return err
			}
		case modeOptimize:
			if _, err := orch.Optimize(ctx); err != nil {
				return err
			}
		case modeTune:
			for _, s := range d.Stages() {
				s.ResetModel(constants.ModelGenetic, cfg.ModelOptions())
			}
			if _, err := orch.Tune(cfg.Tuning.Bounds, cfg.Tuning.Objective); err != nil {
				return err
			}
		case modeRun:
			status, err := orch.Execute(ctx)
			if err != nil {
				return err
			}
			for id, st := range status {
				klog.Infof("Stage %s finished: %s", id, st)
			}
		default:
			return fmt.Errorf("unknown mode %q", step)
		}
	}

	if cfg.Server.Listen != "" {
		klog.Info("Serving status until signalled")
		<-ctx.Done()
		return <-serverDone
	}
	return nil
}

// steps expands a mode into the steps it runs; "all" profiles, optimizes
// (which trains) and then runs with the chosen configs.
func steps(m string) []string {
	if strings.EqualFold(m, modeAll) {
		return []string{modeProfile, modeOptimize, modeRun}
	}
	return []string{strings.ToLower(m)}
}
