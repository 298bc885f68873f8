package scheduler

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
	"serverless-dag-tuner/pkg/dag"
	"serverless-dag-tuner/pkg/storage"
)

func TestNewAttachesModels(t *testing.T) {
	tests := []struct {
		name string
		kind constants.ModelKind
	}{
		{constants.SchedulerCaerus, constants.ModelNone},
		{constants.SchedulerDitto, constants.ModelAnalytic},
		{constants.SchedulerOrion, constants.ModelDistribution},
		{constants.SchedulerJolteon, constants.ModelMixed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := chain(t, "a", "b")
			opts := Options{Bound: v1alpha1.Bound{Objective: constants.ObjectiveLatency, Value: 10}}
			s, err := New(tt.name, d, opts, Deps{Sizer: storage.NewMemory()})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if s.Name() != tt.name {
				t.Errorf("Expected name %s, got %s", tt.name, s.Name())
			}
			for _, st := range d.Stages() {
				if st.ModelKind() != tt.kind {
					t.Errorf("Expected stage %s to carry a %q model, got %q", st.ID, tt.kind, st.ModelKind())
				}
			}
			kind, err := ModelKindFor(tt.name)
			if err != nil || kind != tt.kind {
				t.Errorf("ModelKindFor(%s) = %q, %v", tt.name, kind, err)
			}
		})
	}

	if _, err := New("hermes", chain(t, "a"), Options{}, Deps{}); !errors.Is(err, ErrUnsupportedScheduler) {
		t.Errorf("Expected ErrUnsupportedScheduler, got %v", err)
	}
}

func TestCaerusProportionalWorkers(t *testing.T) {
	d := chain(t, "s0", "s1", "s2")
	store := storage.NewMemory()
	for i, size := range []int64{10, 20, 30} {
		s := d.StageByIdx(i)
		s.InputBucket, s.InputPrefix = "input", s.ID+"/"
		store.Put("input", s.ID+"/part-0", size)
	}

	c := NewCaerus(d, Options{TotalParallelism: 6, CPUPerWorker: 1}, store)
	cfgs, err := c.Schedule(context.Background())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := workersOf(cfgs); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("Expected workers [1 2 3], got %v", got)
	}
	for i, cfg := range cfgs {
		if cfg.CPU != 1 {
			t.Errorf("Expected cpu 1 for stage %d, got %v", i, cfg.CPU)
		}
		if cfg.Memory != constants.DefaultMemory {
			t.Errorf("Expected the stage memory to be kept, got %v", cfg.Memory)
		}
	}
}

func TestCaerusMinimumAndLimits(t *testing.T) {
	d := chain(t, "tiny", "serial", "huge")
	store := storage.NewMemory()
	sizes := []int64{1, 500, 1000}
	for i, s := range d.Stages() {
		s.InputBucket, s.InputPrefix = "input", s.ID
		store.Put("input", s.ID, sizes[i])
	}
	d.StageByIdx(1).Parallelizable = false
	d.StageByIdx(2).MaxConcurrency = 4

	cfgs, err := NewCaerus(d, Options{TotalParallelism: 20, CPUPerWorker: 2}, store).Schedule(context.Background())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := workersOf(cfgs); !reflect.DeepEqual(got, []int{1, 1, 4}) {
		t.Errorf("Expected workers [1 1 4], got %v", got)
	}

	if _, err := NewCaerus(d, Options{}, nil).Schedule(context.Background()); err == nil {
		t.Errorf("Expected an error without a sizer")
	}
}

func setParamA(d *dag.DAG, a ...float64) {
	for i, s := range d.Stages() {
		s.SetModel(&fixedModel{kind: constants.ModelAnalytic, params: []float64{a[i], 0}})
	}
}

func TestDittoSeriesSplit(t *testing.T) {
	d := chain(t, "a", "b")
	s, err := NewDitto(d, Options{TotalParallelism: 30, CPUPerWorker: 1})
	if err != nil {
		t.Fatal(err)
	}
	setParamA(d, 4, 16)
	cfgs, err := s.Schedule(context.Background())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := workersOf(cfgs); !reflect.DeepEqual(got, []int{10, 20}) {
		t.Errorf("Expected workers [10 20], got %v", got)
	}
}

func TestDittoSiblingSplit(t *testing.T) {
	d := dag.New("fan-out")
	a, b, c := dag.NewStage("a", "f"), dag.NewStage("b", "f"), dag.NewStage("c", "f")
	if err := d.AddStages(a, b, c); err != nil {
		t.Fatal(err)
	}
	if err := d.Then(a, b, c).Err(); err != nil {
		t.Fatal(err)
	}
	s, err := NewDitto(d, Options{TotalParallelism: 12})
	if err != nil {
		t.Fatal(err)
	}
	setParamA(d, 1, 1, 3)
	cfgs, err := s.Schedule(context.Background())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := workersOf(cfgs); !reflect.DeepEqual(got, []int{4, 2, 6}) {
		t.Errorf("Expected workers [4 2 6], got %v", got)
	}
}

func TestDittoCostMode(t *testing.T) {
	d := chain(t, "a", "b", "c")
	s, err := NewDitto(d, Options{TotalParallelism: 12, Bound: v1alpha1.Bound{Objective: constants.ObjectiveCost}})
	if err != nil {
		t.Fatal(err)
	}
	setParamA(d, 1, 4, 9)
	cfgs, err := s.Schedule(context.Background())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := workersOf(cfgs); !reflect.DeepEqual(got, []int{2, 4, 6}) {
		t.Errorf("Expected workers [2 4 6], got %v", got)
	}
}

func TestDittoNonSeriesParallelDAG(t *testing.T) {
	// a -> c, a -> d, b -> d
	d := dag.New("n-shape")
	a, b, c, e := dag.NewStage("a", "f"), dag.NewStage("b", "f"), dag.NewStage("c", "f"), dag.NewStage("d", "f")
	if err := d.AddStages(a, b, c, e); err != nil {
		t.Fatal(err)
	}
	if err := d.Then(a, c, e).Err(); err != nil {
		t.Fatal(err)
	}
	if err := d.AddChild(b, e); err != nil {
		t.Fatal(err)
	}
	s, err := NewDitto(d, Options{TotalParallelism: 40})
	if err != nil {
		t.Fatal(err)
	}
	setParamA(d, 4, 1, 9, 16)
	cfgs, err := s.Schedule(context.Background())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	total := 0
	for i, w := range workersOf(cfgs) {
		if w < 1 {
			t.Errorf("Expected at least one worker for stage %d, got %d", i, w)
		}
		total += w
	}
	if total < 38 || total > 42 {
		t.Errorf("Expected the budget of 40 to be split, got %d", total)
	}
}

func TestDittoErrors(t *testing.T) {
	if _, err := NewDitto(chain(t, "a"), Options{Bound: v1alpha1.Bound{Objective: constants.ObjectiveEnergy}}); !errors.Is(err, ErrUnsupportedObjective) {
		t.Errorf("Expected ErrUnsupportedObjective, got %v", err)
	}
	d := chain(t, "a")
	s, err := NewDitto(d, Options{})
	if err != nil {
		t.Fatal(err)
	}
	d.StageByIdx(0).SetModel(&fixedModel{kind: constants.ModelMixed})
	if _, err := s.Schedule(context.Background()); !errors.Is(err, ErrModelMismatch) {
		t.Errorf("Expected ErrModelMismatch, got %v", err)
	}
}
