package observability

import (
	"io"
	"log/slog"
	"strings"
)

const (
	// LogFieldTemplateID is the field name for template ID.
	LogFieldTemplateID = "template_id"
	// LogFieldExperimentID is the field name for experiment ID.
	LogFieldExperimentID = "experiment_id"
	// LogFieldVariantID is the field name for variant ID.
	LogFieldVariantID = "variant_id"
	// LogFieldSubjectID is the field name for the subject a variant is assigned to.
	LogFieldSubjectID = "subject_id"
	// LogFieldMetric is the field name for metric name.
	LogFieldMetric = "metric"
	// LogFieldStatus is the field name for experiment status.
	LogFieldStatus = "status"
	// LogFieldRecommendationID is the field name for recommendation ID.
	LogFieldRecommendationID = "recommendation_id"
	// LogFieldDuration is the field name for duration in milliseconds.
	LogFieldDuration = "duration_ms"
	// LogFieldCount is the field name for generic counts.
	LogFieldCount = "count"
	// LogFieldError is the field name for errors.
	LogFieldError = "error"
)

// NewLogger builds the process logger. Dev mode logs text at debug level,
// everything else logs JSON at the requested level.
func NewLogger(w io.Writer, mode, level string) *slog.Logger {
	lvl := parseLevel(level)
	if mode == "dev" {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ErrAttr returns the standard error attribute.
func ErrAttr(err error) slog.Attr {
	if err == nil {
		return slog.String(LogFieldError, "")
	}
	return slog.String(LogFieldError, err.Error())
}
