package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"promptforge/internal/config"
	"promptforge/internal/optimizer"
)

// JobConfig is the per-job worker configuration serialized into the job
// row's config_json. Retry re-runs the exact same config; ContinueFrom
// writes a derived one.
type JobConfig struct {
	ModelMode               string              `json:"model_mode"`
	RateLimit               int                 `json:"rate_limit"`
	RecordLimit             int                 `json:"record_limit"`
	TrainSplit              float64             `json:"train_split"`
	BaselineFewShotExamples []optimizer.Example `json:"baseline_few_shot_examples,omitempty"`
}

// DefaultJobConfig seeds a job config from the daemon's optimizer settings.
func DefaultJobConfig(cfg *config.Config) JobConfig {
	return JobConfig{
		ModelMode:   cfg.Optimizer.ModelMode,
		RateLimit:   cfg.Optimizer.RateLimit,
		RecordLimit: cfg.Optimizer.RecordLimit,
		TrainSplit:  cfg.Optimizer.TrainSplit,
	}
}

// ParseJobConfig decodes a stored config_json. Missing fields fall back to
// conservative defaults so jobs created by older builds keep running.
func ParseJobConfig(raw string) (JobConfig, error) {
	jc := JobConfig{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &jc); err != nil {
			return JobConfig{}, fmt.Errorf("parse job config: %w", err)
		}
	}
	if jc.ModelMode == "" {
		jc.ModelMode = "balanced"
	}
	if !config.ValidModelMode(jc.ModelMode) {
		return JobConfig{}, fmt.Errorf("unknown model mode %q", jc.ModelMode)
	}
	if jc.RateLimit <= 0 {
		jc.RateLimit = 10
	}
	if jc.TrainSplit <= 0 || jc.TrainSplit >= 1 {
		jc.TrainSplit = 0.8
	}
	return jc, nil
}

// Encode serializes a job config for storage.
func (jc JobConfig) Encode() (string, error) {
	b, err := json.Marshal(jc)
	if err != nil {
		return "", fmt.Errorf("encode job config: %w", err)
	}
	return string(b), nil
}
