// Package telemetry defines the shared vocabulary of the prompt engine:
// execution records, prompt templates, metric definitions and anomalies.
package telemetry

import (
	"maps"
	"time"

	aierrors "github.com/hrygo/promptlab/internal/errors"
)

// Metadata keys linking an execution to an experiment arm.
const (
	MetadataExperimentID = "experiment_id"
	MetadataVariantID    = "variant_id"
)

// TokenUsage is the token breakdown of one execution.
type TokenUsage struct {
	Prompt     int `json:"prompt" yaml:"prompt"`
	Completion int `json:"completion" yaml:"completion"`
	Total      int `json:"total" yaml:"total"`
}

// ExecutionRecord is the outcome of one prompt execution.
// Records are treated as immutable once created; use WithMetadata to derive tagged copies.
type ExecutionRecord struct {
	TemplateID      string            `json:"templateId"`
	TemplateVersion string            `json:"templateVersion"`
	Timestamp       time.Time         `json:"timestamp"`
	Success         bool              `json:"success"`
	ResponseTime    float64           `json:"responseTimeMs"`
	Tokens          TokenUsage        `json:"tokens"`
	Cost            float64           `json:"cost"`
	Provider        string            `json:"provider"`
	QualityScore    *float64          `json:"qualityScore,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// WithMetadata returns a copy of the record with key set to value.
// The receiver's metadata map is never modified.
func (r ExecutionRecord) WithMetadata(key, value string) ExecutionRecord {
	out := r
	out.Metadata = make(map[string]string, len(r.Metadata)+1)
	maps.Copy(out.Metadata, r.Metadata)
	out.Metadata[key] = value
	return out
}

// Validate checks the measured values of the record. The template id is
// not checked since experiment executions may inherit it from their variant.
func (r ExecutionRecord) Validate() error {
	if r.ResponseTime < 0 || r.Cost < 0 {
		return aierrors.InvalidArgument("response time and cost must be non-negative")
	}
	if r.Tokens.Prompt < 0 || r.Tokens.Completion < 0 || r.Tokens.Total < 0 {
		return aierrors.InvalidArgument("token counts must be non-negative")
	}
	if r.QualityScore != nil && (*r.QualityScore < 0 || *r.QualityScore > 1) {
		return aierrors.InvalidArgument("quality score must be within [0, 1]")
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r ExecutionRecord) Clone() ExecutionRecord {
	out := r
	if r.QualityScore != nil {
		q := *r.QualityScore
		out.QualityScore = &q
	}
	if r.Metadata != nil {
		out.Metadata = maps.Clone(r.Metadata)
	}
	return out
}

// TotalTokens returns the total token count, deriving it from the breakdown when unset.
func (r ExecutionRecord) TotalTokens() int {
	if r.Tokens.Total > 0 {
		return r.Tokens.Total
	}
	return r.Tokens.Prompt + r.Tokens.Completion
}

// PromptTemplate describes a template from the template library.
type PromptTemplate struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Text      string   `json:"text" yaml:"text"`
	Variables []string `json:"variables" yaml:"variables"`
	Category  string   `json:"category" yaml:"category"`
	Tags      []string `json:"tags" yaml:"tags"`
	Version   string   `json:"version" yaml:"version"`
	Active    bool     `json:"active" yaml:"active"`
}
