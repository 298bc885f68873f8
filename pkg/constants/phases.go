package constants

// Phase names a timed section of one function invocation.
type Phase string

const (
	PhaseRead      Phase = "read"
	PhaseCompute   Phase = "compute"
	PhaseWrite     Phase = "write"
	PhaseColdStart Phase = "cold_start"
	PhaseEnergy    Phase = "energy_consumption"
)

// LatencyPhases are the phases that add up to an invocation's latency, in fitting order.
var LatencyPhases = []Phase{PhaseRead, PhaseCompute, PhaseWrite, PhaseColdStart}
