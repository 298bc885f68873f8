package constants

// ModelKind selects a performance-model strategy.
type ModelKind string

const (
	ModelNone         ModelKind = ""
	ModelAnalytic     ModelKind = "analytic"
	ModelMixed        ModelKind = "mixed"
	ModelDistribution ModelKind = "distribution"
	ModelGenetic      ModelKind = "genetic"
)

// Scheduler names.
const (
	SchedulerCaerus  = "caerus"
	SchedulerDitto   = "ditto"
	SchedulerOrion   = "orion"
	SchedulerJolteon = "jolteon"
)

// Default Jolteon grids.
var (
	DefaultWorkersGrid = []int{1, 4, 8, 16, 32}
	DefaultCPUGrid     = []float64{1, 1.5, 2, 2.5, 3, 4, 5}
)

// DefaultDistributionScale divides memory*workers into a stage size.
const DefaultDistributionScale = 1024.0

// DefaultMaxDistributionPoints caps a Distribution's cardinality.
const DefaultMaxDistributionPoints = 100
