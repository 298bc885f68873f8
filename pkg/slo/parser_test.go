package slo

import (
	"strings"
	"testing"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
)

func TestParseBound_Success(t *testing.T) {
	tests := []struct {
		expr string
		want v1alpha1.Bound
	}{
		{"latency<=12.5", v1alpha1.Bound{Objective: constants.ObjectiveLatency, Value: 12.5}},
		{"cost <= 0.0021 @ 0.05", v1alpha1.Bound{Objective: constants.ObjectiveCost, Value: 0.0021, Risk: 0.05}},
		{"Energy<300", v1alpha1.Bound{Objective: constants.ObjectiveEnergy, Value: 300}},
		{"<=8", v1alpha1.Bound{Objective: constants.DefaultObjective, Value: 8}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseBound(tt.expr)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseBound = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseBound_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr string
	}{
		{name: "empty", expr: "  ", wantErr: "empty bound"},
		{name: "lower bound", expr: "latency>=3", wantErr: "only upper bounds"},
		{name: "no operator", expr: "latency", wantErr: "missing <="},
		{name: "unknown objective", expr: "carbon<=3", wantErr: "unknown objective"},
		{name: "bad value", expr: "latency<=fast", wantErr: "invalid value"},
		{name: "non-positive value", expr: "latency<=0", wantErr: "must be positive"},
		{name: "bad risk", expr: "latency<=3@1.5", wantErr: "risk must be in"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBound(tt.expr)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	for _, b := range []v1alpha1.Bound{
		{Objective: constants.ObjectiveLatency, Value: 40},
		{Objective: constants.ObjectiveCost, Value: 0.00125, Risk: 0.01},
	} {
		got, err := ParseBound(Format(b))
		if err != nil {
			t.Fatalf("ParseBound(%q): %v", Format(b), err)
		}
		if got != b {
			t.Errorf("round trip = %+v, want %+v", got, b)
		}
	}
}
