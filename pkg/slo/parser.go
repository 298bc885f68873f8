// Package slo parses bound expressions such as "latency<=12.5" or
// "cost<=0.002@0.05" (risk after '@').
package slo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
)

// ParseBound parses "[objective]<=<value>[@<risk>]". "<" is accepted as "<=".
// A missing objective means DefaultObjective; a missing risk leaves Risk at
// zero so the scheduler default applies.
func ParseBound(expr string) (v1alpha1.Bound, error) {
	s := strings.ReplaceAll(strings.TrimSpace(expr), " ", "")
	if s == "" {
		return v1alpha1.Bound{}, fmt.Errorf("empty bound expression")
	}

	op := "<="
	i := strings.Index(s, op)
	if i < 0 {
		op = "<"
		i = strings.Index(s, op)
	}
	if i < 0 {
		if strings.ContainsAny(s, ">=") {
			return v1alpha1.Bound{}, fmt.Errorf("bound %q: only upper bounds (<=) are supported", expr)
		}
		return v1alpha1.Bound{}, fmt.Errorf("bound %q: missing <= operator", expr)
	}

	obj := constants.Objective(strings.ToLower(s[:i]))
	if obj == "" {
		obj = constants.DefaultObjective
	}
	if !constants.ValidObjectives[obj] {
		return v1alpha1.Bound{}, fmt.Errorf("bound %q: unknown objective %q", expr, obj)
	}

	rest := s[i+len(op):]
	valueStr, riskStr, hasRisk := strings.Cut(rest, "@")
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return v1alpha1.Bound{}, fmt.Errorf("bound %q: invalid value %q", expr, valueStr)
	}
	if value <= 0 {
		return v1alpha1.Bound{}, fmt.Errorf("bound %q: value must be positive", expr)
	}

	b := v1alpha1.Bound{Objective: obj, Value: value}
	if hasRisk {
		risk, err := strconv.ParseFloat(riskStr, 64)
		if err != nil || risk <= 0 || risk >= 1 {
			return v1alpha1.Bound{}, fmt.Errorf("bound %q: risk must be in (0, 1), got %q", expr, riskStr)
		}
		b.Risk = risk
	}
	return b, nil
}

// Format renders a bound in the form ParseBound accepts.
func Format(b v1alpha1.Bound) string {
	s := fmt.Sprintf("%s<=%s", b.Objective, strconv.FormatFloat(b.Value, 'g', -1, 64))
	if b.Risk > 0 {
		s += "@" + strconv.FormatFloat(b.Risk, 'g', -1, 64)
	}
	return s
}
