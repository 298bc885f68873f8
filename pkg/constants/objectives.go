package constants

// Objective is the quantity a scheduler bounds or minimizes.
type Objective string

const (
	ObjectiveLatency Objective = "latency"
	ObjectiveCost    Objective = "cost"
	ObjectiveEnergy  Objective = "energy"
)

// ValidObjectives is the whitelist accepted by bound parsing.
var ValidObjectives = map[Objective]bool{
	ObjectiveLatency: true,
	ObjectiveCost:    true,
	ObjectiveEnergy:  true,
}

// Platform prices used by the cost and energy terms.
const (
	// PricePerVCPUSecond approximates the GB-second price scaled to one vCPU.
	PricePerVCPUSecond = 0.0000166667 * MemoryPerVCPU / 1024
	// PricePerInvocation is the flat request charge.
	PricePerInvocation = 0.0000002
	// WattsPerVCPU is the average power draw attributed to one busy vCPU.
	WattsPerVCPU = 3.5
)
