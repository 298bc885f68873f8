package constants

// This file centralizes bound-related defaults.

const (
	// DefaultRisk is the tolerated probability of violating a bound.
	DefaultRisk = 0.05
	// DefaultConfidenceError is the Hoeffding delta used to size Monte-Carlo samples.
	DefaultConfidenceError = 0.001
	// DefaultObjective is used when a bound expression omits the objective.
	DefaultObjective = ObjectiveLatency
)
