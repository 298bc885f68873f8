package v1alpha1

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestResourceConfigKey_RoundTrip(t *testing.T) {
	tests := []struct {
		cfg  ResourceConfig
		want string
	}{
		{ResourceConfig{CPU: 1, Memory: 2048, Workers: 1}, "(1, 2048, 1)"},
		{ResourceConfig{CPU: 1.5, Memory: 3008, Workers: 8}, "(1.5, 3008, 8)"},
		{ResourceConfig{CPU: 0.1, Memory: 176.9, Workers: 32}, "(0.1, 176.9, 32)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.cfg.Key(); got != tt.want {
				t.Fatalf("Key() = %q, want %q", got, tt.want)
			}
			back, err := ParseConfigKey(tt.want)
			if err != nil {
				t.Fatalf("ParseConfigKey(%q): %v", tt.want, err)
			}
			if back != tt.cfg {
				t.Errorf("round trip = %+v, want %+v", back, tt.cfg)
			}
		})
	}
}

func TestParseConfigKey_Errors(t *testing.T) {
	for _, in := range []string{"", "(1, 2)", "(a, 2048, 1)", "(1, 2048, 1.5)"} {
		if _, err := ParseConfigKey(in); err == nil {
			t.Errorf("ParseConfigKey(%q) expected error", in)
		}
	}

	cfg, err := ParseConfigKey("(2.0, 4096.0, 4.0)")
	if err != nil {
		t.Fatalf("float workers should parse: %v", err)
	}
	if cfg.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Workers)
	}
}

func TestStageProfile_JSONRoundTrip(t *testing.T) {
	sp := StageProfile{}
	for _, cfg := range []ResourceConfig{{CPU: 1, Memory: 1769, Workers: 1}, {CPU: 2, Memory: 3538, Workers: 4}} {
		rec := NewProfileRecord()
		for rep := 0; rep < 3; rep++ {
			times := make([]FunctionTimes, cfg.Workers)
			for w := range times {
				times[w] = FunctionTimes{
					Read:      0.1 + float64(rep)*0.01 + float64(w)*1e-9,
					Compute:   1.0 / 3.0 * float64(rep+1),
					Write:     0.05,
					ColdStart: 0.123456789012345,
					Energy:    12.5 * float64(w+1),
				}
			}
			rec.Append(times)
		}
		sp[cfg] = rec
	}

	data, err := json.Marshal(sp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back StageProfile
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !reflect.DeepEqual(sp, back) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, sp)
	}

	var raw map[string]map[string][][]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("raw decode: %v", err)
	}
	rec, ok := raw["(2, 3538, 4)"]
	if !ok {
		t.Fatalf("expected key (2, 3538, 4) in %v", raw)
	}
	if len(rec["read"]) != 3 || len(rec["read"][0]) != 4 {
		t.Errorf("unexpected read shape: %v", rec["read"])
	}
}

func TestConfigBounds_Clamp(t *testing.T) {
	b := ConfigBounds{
		CPU:     Range{Min: 1, Max: 4},
		Memory:  Range{Min: 128, Max: 10240},
		Workers: Range{Min: 1, Max: 32},
	}
	got := b.Clamp(ResourceConfig{CPU: 8, Memory: 64, Workers: 40})
	want := ResourceConfig{CPU: 4, Memory: 128, Workers: 32}
	if got != want {
		t.Errorf("Clamp = %+v, want %+v", got, want)
	}
}
