package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/red2n/alerts/internal/engine"
	"github.com/red2n/alerts/internal/logger"
	"github.com/red2n/alerts/internal/models"
)

// ErrMalformedObservation is returned for requests whose key or error count
// cannot be used.
var ErrMalformedObservation = errors.New("malformed observation")

// StatusError is the response status for rejected requests.
const StatusError = "error"

// Classifier decides the outcome for one observation.
type Classifier interface {
	Classify(ctx context.Context, obs models.Observation) engine.Classification
}

// AlertHandler handles observation intake via HTTP
type AlertHandler struct {
	classifier  Classifier
	maxBodySize int64
}

// AlertConfig holds configuration for the alert handler
type AlertConfig struct {
	Classifier  Classifier
	MaxBodySize int64
}

// NewAlertHandler creates a new alert handler
func NewAlertHandler(cfg AlertConfig) *AlertHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 1 << 20
	}

	return &AlertHandler{
		classifier:  cfg.Classifier,
		maxBodySize: maxBodySize,
	}
}

// AlertRequest is the incoming JSON payload. ErrorCount may be a JSON string
// or a JSON integer.
type AlertRequest struct {
	Key        string          `json:"key"`
	ErrorCount json.RawMessage `json:"errorCount"`
}

// AlertResponse is the classification returned to clients. Threshold is set
// for below_threshold and alert_triggered, AlertTimes for alert_triggered.
type AlertResponse struct {
	Status     string `json:"status"`
	Key        string `json:"key"`
	ErrorCount int64  `json:"errorCount"`
	Threshold  *int64 `json:"threshold,omitempty"`
	AlertTimes *int64 `json:"alertTimes,omitempty"`
}

// ServeHTTP handles the alert HTTP request
func (h *AlertHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	obs, key, err := parseObservation(body)
	if err != nil {
		log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
		log.Debug().
			Err(err).
			Msg("rejected observation")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c := h.classifier.Classify(r.Context(), obs)
	writeJSON(w, http.StatusOK, buildResponse(key, obs.ErrorCount, c))
}

func parseObservation(body []byte) (models.Observation, string, error) {
	var req AlertRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return models.Observation{}, "", fmt.Errorf("%w: invalid JSON: %v", ErrMalformedObservation, err)
	}
	if req.Key == "" {
		return models.Observation{}, "", fmt.Errorf("%w: key is required", ErrMalformedObservation)
	}

	count, err := parseErrorCount(req.ErrorCount)
	if err != nil {
		return models.Observation{}, "", err
	}

	obs := models.Observation{
		Digest:     models.HashKey(req.Key),
		ErrorCount: count,
	}
	if id, err := models.ParseCompositeKey(req.Key); err == nil {
		obs.Identity = &id
	}
	return obs, req.Key, nil
}

func parseErrorCount(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("%w: errorCount is required", ErrMalformedObservation)
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("%w: errorCount: %v", ErrMalformedObservation, err)
		}
		text = strings.TrimSpace(text)
	}

	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: errorCount %q is not an integer", ErrMalformedObservation, text)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: errorCount must not be negative", ErrMalformedObservation)
	}
	return n, nil
}

func buildResponse(key string, errorCount int64, c engine.Classification) AlertResponse {
	resp := AlertResponse{
		Status:     string(c.Status()),
		Key:        key,
		ErrorCount: errorCount,
	}
	switch v := c.(type) {
	case engine.ThresholdBreached:
		resp.Threshold = &v.Threshold
		resp.AlertTimes = &v.BreachCount
	case engine.BelowThreshold:
		resp.Threshold = &v.Threshold
	}
	return resp
}

// FallbackSwitch moves the classifier onto synthetic thresholds.
type FallbackSwitch interface {
	EnableFallback(reason string) int
}

// TestModeHandler is the administrative trigger for fallback mode.
type TestModeHandler struct {
	engine FallbackSwitch
}

func NewTestModeHandler(s FallbackSwitch) *TestModeHandler {
	return &TestModeHandler{engine: s}
}

func (h *TestModeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	n := h.engine.EnableFallback(engine.ReasonAdmin)
	log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
	log.Warn().
		Int("thresholds", n).
		Msg("test mode enabled")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Test mode enabled with %d thresholds", n),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"status":  StatusError,
		"message": message,
	})
}
