package v1alpha1

// StageInvocation is one worker's call into the execution service.
type StageInvocation struct {
	StageID    string            `json:"stage_id"`
	Compute    string            `json:"compute"`
	WorkerID   int               `json:"worker_id"`
	NumWorkers int               `json:"num_workers"`
	InputRefs  []string          `json:"input_refs"`
	OutputRefs []string          `json:"output_refs"`
	Params     map[string]string `json:"params,omitempty"`
	Config     ResourceConfig    `json:"config"`
}

// InvocationResult pairs an invocation's output with its timings.
// Err is set when the invocation itself failed.
type InvocationResult struct {
	StageID  string        `json:"stage_id"`
	WorkerID int           `json:"worker_id"`
	Result   []byte        `json:"result,omitempty"`
	Times    FunctionTimes `json:"times"`
	Err      error         `json:"-"`
}
