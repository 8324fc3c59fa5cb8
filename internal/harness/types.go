package harness

// Step actions as they appear in the trace.
const (
	ActionCommand      = "command"
	ActionQuery        = "query"
	ActionSQL          = "sql"
	ActionInsertPlayer = "insert_player"
	ActionWaitEvents   = "wait_events"
	ActionWaitPush     = "wait_push"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq    int            `json:"seq"`
	Phase  string         `json:"phase"` // "setup" or "flow"
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every step succeeded and every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors is empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
