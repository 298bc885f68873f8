package constants

// This file holds common constants used across the tuner.

const (
	// ProfileNamespace is the namespace holding persisted StageProfile custom resources.
	ProfileNamespace = "serverless-tuner"

	// PenaltyValue replaces non-finite or implausible objective values during searches.
	PenaltyValue = 1e10

	// DefaultMaxInFlight bounds concurrent invocations inside one execution batch.
	DefaultMaxInFlight = 256

	// EnvPrefix prefixes every environment override read by pkg/config.
	EnvPrefix = "TUNER_"
)

// Default resource configuration assigned to every new stage.
const (
	DefaultCPU     = 1.0
	DefaultMemory  = 2048.0
	DefaultWorkers = 1
)

// MemoryPerVCPU is the memory (MB) that buys one full vCPU on the target platform.
const MemoryPerVCPU = 1769.0
