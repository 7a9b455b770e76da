package harness

// ChangeCounts counts the changes of a changeset by operation.
type ChangeCounts struct {
	Type    string `json:"type"`
	Inserts int    `json:"inserts"`
	Updates int    `json:"updates"`
	Deletes int    `json:"deletes"`
}

// ApplyCounts is the outcome of an apply step.
type ApplyCounts struct {
	Applied   int            `json:"applied"`
	Omitted   int            `json:"omitted"`
	Replaced  int            `json:"replaced"`
	Conflicts map[string]int `json:"conflicts,omitempty"`
	Skipped   []string       `json:"skipped,omitempty"`
	Aborted   bool           `json:"aborted,omitempty"`
}

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq     int64         `json:"seq"`
	Step    string        `json:"step"`
	DB      string        `json:"db,omitempty"`
	Subject string        `json:"subject"`
	Changes *ChangeCounts `json:"changes,omitempty"`
	Apply   *ApplyCounts  `json:"apply,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every step in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Changes holds the counts of every named changeset.
	Changes map[string]ChangeCounts `json:"changes,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Changes: make(map[string]ChangeCounts),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event, numbering it after the previous one.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
