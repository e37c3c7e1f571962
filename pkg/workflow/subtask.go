package workflow

// Subtask status values. A subtask is created pending by a planner node
// and moved to complete by exactly one worker instance; it is never
// deleted within a run.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
)

// Subtask is one independently-researchable unit of a decomposed query.
type Subtask struct {
	ID     string `json:"id"`
	Query  string `json:"query"`
	Status string `json:"status"`

	// Result is the worker's answer, set when Status is complete.
	Result string `json:"result,omitempty"`

	// Findings carries scan findings relevant to this subtask in the
	// productionalize graph.
	Findings string `json:"findings,omitempty"`
}

// StateID keys subtasks in the upsert channel.
func (s Subtask) StateID() string { return s.ID }

// pendingSubtasks filters to subtasks a worker has not completed.
func pendingSubtasks(subtasks []Subtask) []Subtask {
	var out []Subtask
	for _, s := range subtasks {
		if s.Status == StatusPending {
			out = append(out, s)
		}
	}
	return out
}
