package constants

// StageStatus is the execution state of a stage within one Execute call.
type StageStatus string

const (
	StatusPending StageStatus = "pending"
	StatusRunning StageStatus = "running"
	StatusSuccess StageStatus = "success"
	StatusFailed  StageStatus = "failed"
)
