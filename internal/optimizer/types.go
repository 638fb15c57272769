// Package optimizer is the exec client for the external prompt optimizer.
// The optimizer is an opaque collaborator: promptforge hands it a request on
// stdin and consumes a JSONL event stream from stdout. Everything the
// algorithm does between those two pipes is out of scope.
package optimizer

// Example is one input/output record, used for datasets and few-shot sets.
type Example struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Request is the JSON document written to the optimizer's stdin.
type Request struct {
	JobID        string    `json:"job_id"`
	ModelMode    string    `json:"model_mode"`
	RateLimit    int       `json:"rate_limit"`
	SystemPrompt string    `json:"system_prompt"`
	UserPrompt   string    `json:"user_prompt"`
	Metric       string    `json:"metric"`
	Train        []Example `json:"train"`
	Test         []Example `json:"test"`
	FewShot      []Example `json:"few_shot,omitempty"`
}

// Usage is the token spend the optimizer reports with its result.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the terminal success event of an optimizer run.
type Result struct {
	BaselineScore  float64   `json:"baseline_score"`
	OptimizedScore float64   `json:"optimized_score"`
	SystemPrompt   string    `json:"system_prompt"`
	UserPrompt     string    `json:"user_prompt"`
	FewShot        []Example `json:"few_shot,omitempty"`
	Usage          Usage     `json:"usage"`
}

// EventSink receives intermediate stream events as they arrive, so logs and
// trial candidates land in the store while the optimizer is still running.
// Implementations must tolerate concurrent terminal handling: no event is
// delivered after Run returns.
type EventSink interface {
	OnLog(level, message string)
	OnCandidate(label, content string, score *float64)
}

// streamEvent is the union decoding of one JSONL line from the optimizer.
type streamEvent struct {
	Type string `json:"type"`

	// type=log
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// type=candidate
	Label   string   `json:"label,omitempty"`
	Content string   `json:"content,omitempty"`
	Score   *float64 `json:"score,omitempty"`

	// type=error
	Kind string `json:"kind,omitempty"`

	// type=result
	BaselineScore  float64   `json:"baseline_score,omitempty"`
	OptimizedScore float64   `json:"optimized_score,omitempty"`
	SystemPrompt   string    `json:"system_prompt,omitempty"`
	UserPrompt     string    `json:"user_prompt,omitempty"`
	FewShot        []Example `json:"few_shot,omitempty"`
	Usage          *Usage    `json:"usage,omitempty"`
}
