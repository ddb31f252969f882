package v1

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aierrors "github.com/hrygo/promptlab/internal/errors"
)

func TestToHTTPError(t *testing.T) {
	s := &APIV1Service{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	e := echo.New()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid argument", aierrors.InvalidArgument("bad weight"), http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"not found", aierrors.NotFound("experiment", "x"), http.StatusNotFound, "NOT_FOUND"},
		{"failed precondition", aierrors.FailedPrecondition("already completed"), http.StatusConflict, "FAILED_PRECONDITION"},
		{"storage", aierrors.StorageFailure("write failed", errors.New("disk full")), http.StatusInternalServerError, "STORAGE_FAILURE"},
		{"automation", aierrors.AutomationFailed("applier failed", nil), http.StatusInternalServerError, "AUTOMATION_FAILED"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			require.NoError(t, s.toHTTPError(c, tt.err))
			assert.Equal(t, tt.status, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestParseTimeRange(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{"1h", now.Add(-time.Hour), false},
		{"24h", now.Add(-24 * time.Hour), false},
		{"7d", now.AddDate(0, 0, -7), false},
		{"30d", now.AddDate(0, 0, -30), false},
		{"2w", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseTimeRange(tt.input, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got))
		})
	}
}
