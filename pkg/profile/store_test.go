package profile

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"serverless-dag-tuner/pkg/api/v1alpha1"
)

func times(vals ...float64) []v1alpha1.FunctionTimes {
	out := make([]v1alpha1.FunctionTimes, len(vals))
	for i, v := range vals {
		out[i] = v1alpha1.FunctionTimes{Read: v / 10, Compute: v, Write: v / 20, ColdStart: 0.1, Energy: v * 2}
	}
	return out
}

func sampleStore() *Store {
	s := NewStore()
	small := v1alpha1.ResourceConfig{CPU: 1, Memory: 1769, Workers: 2}
	large := v1alpha1.ResourceConfig{CPU: 2, Memory: 3538, Workers: 1}
	s.Add("split", small, times(4, 5))
	s.Add("split", small, times(3, 6))
	s.Add("split", large, times(2))
	s.Add("merge", large, times(7))
	return s
}

func TestStoreAddAndGet(t *testing.T) {
	s := sampleStore()

	if got := s.Stages(); !reflect.DeepEqual(got, []string{"merge", "split"}) {
		t.Errorf("Expected stages [merge split], got %v", got)
	}

	sp := s.Get("split")
	rec := sp[v1alpha1.ResourceConfig{CPU: 1, Memory: 1769, Workers: 2}]
	if rec == nil || rec.Repetitions() != 2 {
		t.Fatalf("Expected 2 repetitions, got %v", rec)
	}
	if !reflect.DeepEqual(rec.Compute, [][]float64{{4, 5}, {3, 6}}) {
		t.Errorf("Expected repetition order to be kept, got %v", rec.Compute)
	}

	// Mutating the copy must not leak into the store.
	rec.Compute[0][0] = 100
	again := s.Get("split")[v1alpha1.ResourceConfig{CPU: 1, Memory: 1769, Workers: 2}]
	if again.Compute[0][0] != 4 {
		t.Errorf("Expected Get to return a copy, store now holds %v", again.Compute[0][0])
	}

	if got := s.Get("unknown"); len(got) != 0 {
		t.Errorf("Expected empty profile for unknown stage, got %v", got)
	}
}

func TestMarshalStageProfileRoundTrip(t *testing.T) {
	sp := sampleStore().Get("split")
	data, err := MarshalStageProfile(sp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := UnmarshalStageProfile(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(sp, back) {
		t.Errorf("Expected lossless round trip, got %v", back)
	}

	if _, err := UnmarshalStageProfile([]byte(`{"bogus": {}}`)); err == nil {
		t.Error("Expected error for malformed config key")
	}
}

func TestSaveLoadDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles")
	s := sampleStore()
	if err := s.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for _, id := range []string{"split", "merge"} {
		if _, err := os.Stat(filepath.Join(dir, id+".json")); err != nil {
			t.Errorf("Expected %s.json to exist: %v", id, err)
		}
	}

	loaded := NewStore()
	if err := loaded.Load(dir); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, id := range s.Stages() {
		if !reflect.DeepEqual(s.Get(id), loaded.Get(id)) {
			t.Errorf("Stage %s differs after reload", id)
		}
	}

	if err := NewStore().Load(filepath.Join(dir, "missing")); err != nil {
		t.Errorf("Expected missing dir to be ignored, got %v", err)
	}
}

func TestResourceName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"split", "split"},
		{"Stage_1", "stage-1-fa06061e"},
		{"__", "stage-9911f4d2"},
		{"map.reduce", "map.reduce"},
		{"a_b", "a-b-648fa9b3"},
		{"a-b", "a-b"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ResourceName(tt.in); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestCRDKeepsSanitizedIDsApart(t *testing.T) {
	client := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{StageProfileGVR: "StageProfileList"})
	ctx := context.Background()

	s := NewStore()
	s.Add("a_b", v1alpha1.ResourceConfig{CPU: 1, Memory: 1769, Workers: 1}, times(1))
	s.Add("a-b", v1alpha1.ResourceConfig{CPU: 2, Memory: 3538, Workers: 2}, times(2))
	if _, err := s.SaveToCRD(ctx, client, "tuner"); err != nil {
		t.Fatalf("SaveToCRD: %v", err)
	}

	loaded := NewStore()
	if err := loaded.LoadFromCRD(ctx, client, "tuner"); err != nil {
		t.Fatalf("LoadFromCRD: %v", err)
	}
	if got := loaded.Stages(); !reflect.DeepEqual(got, []string{"a-b", "a_b"}) {
		t.Fatalf("Expected stages [a-b a_b], got %v", got)
	}
	for _, id := range []string{"a_b", "a-b"} {
		if !reflect.DeepEqual(s.Get(id), loaded.Get(id)) {
			t.Errorf("Expected profile %s to survive the round trip", id)
		}
	}
}

func TestCRDRoundTrip(t *testing.T) {
	client := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{StageProfileGVR: "StageProfileList"})
	ctx := context.Background()

	s := sampleStore()
	n, err := s.SaveToCRD(ctx, client, "tuner")
	if err != nil {
		t.Fatalf("SaveToCRD: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 objects written, got %d", n)
	}

	// A second save updates in place.
	s.Add("merge", v1alpha1.ResourceConfig{CPU: 2, Memory: 3538, Workers: 1}, times(8))
	if n, err = s.SaveToCRD(ctx, client, "tuner"); err != nil || n != 2 {
		t.Fatalf("Expected 2 updates, got %d (%v)", n, err)
	}

	loaded := NewStore()
	if err := loaded.LoadFromCRD(ctx, client, "tuner"); err != nil {
		t.Fatalf("LoadFromCRD: %v", err)
	}
	for _, id := range s.Stages() {
		if !reflect.DeepEqual(s.Get(id), loaded.Get(id)) {
			t.Errorf("Stage %s differs after CRD reload: %v", id, loaded.Get(id))
		}
	}
}

func TestUpdateMetricsDoesNotPanic(t *testing.T) {
	sampleStore().UpdateMetrics()
}
