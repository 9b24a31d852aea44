package refine

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// BackendError reports an HTTP-level failure from a backend. The engine uses
// it to decide whether an attempt's network call may be retried.
type BackendError struct {
	Status int
	Body   string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend request failed with status %d: %s", e.Status, truncateForDisplay(e.Body, 500))
}

// Retryable reports whether the failure is transient. Only rate limiting
// (429) and service unavailability (503) are retried; everything else aborts
// the call immediately.
func (e *BackendError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable
}

// RetryDelay returns the server-suggested retry delay, if one can be
// extracted from the error body. 503 responses without a hint get a flat 5s.
func (e *BackendError) RetryDelay() (time.Duration, bool) {
	if d, ok := parseRetryDelay(e.Body); ok {
		return d, true
	}
	if e.Status == http.StatusServiceUnavailable {
		return 5 * time.Second, true
	}
	return 0, false
}

// ExhaustedError is returned when no attempt succeeded within MaxRetries.
// This is the only error callers should expect to see routinely when the
// model cannot satisfy the instruction.
type ExhaustedError struct {
	Retries   int
	LastError string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("refinement exhausted after %d attempts. Last error: %s", e.Retries, e.LastError)
}

// parseRetryDelay extracts a retry delay from a backend error body.
//
// It first looks for the structured google.rpc.RetryInfo detail that the
// Gemini API attaches to 429 responses, then falls back to a free-text
// "retry in Ns" hint.
func parseRetryDelay(body string) (time.Duration, bool) {
	var parsed struct {
		Error struct {
			Details []map[string]json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		for _, detail := range parsed.Error.Details {
			var typ string
			if raw, ok := detail["@type"]; ok {
				_ = json.Unmarshal(raw, &typ)
			}
			if typ != "type.googleapis.com/google.rpc.RetryInfo" {
				continue
			}
			var delay string
			if raw, ok := detail["retryDelay"]; ok {
				_ = json.Unmarshal(raw, &delay)
			}
			if d, ok := parseDurationString(delay); ok {
				return d, true
			}
		}
	}

	// Heuristic fallback for bodies like "Please retry in 57s." or
	// "retry in 488.04ms".
	lower := strings.ToLower(body)
	if idx := strings.Index(lower, "retry in "); idx != -1 {
		rest := lower[idx+len("retry in "):]
		end := strings.IndexFunc(rest, func(r rune) bool {
			return !(r >= '0' && r <= '9') && r != '.' && r != 'm' && r != 's'
		})
		if end == -1 {
			end = len(rest)
		}
		return parseDurationString(rest[:end])
	}

	return 0, false
}

// parseDurationString parses delay strings like "44s", "44.5s", "500ms".
// Sub-second delays are rounded up to a full second to stay on the safe side
// of rate limiters.
func parseDurationString(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)

	if ms, ok := strings.CutSuffix(s, "ms"); ok {
		v, err := strconv.ParseFloat(ms, 64)
		if err != nil {
			return 0, false
		}
		if v <= 0 {
			return 0, true
		}
		secs := math.Ceil(v / 1000.0)
		if secs < 1 {
			secs = 1
		}
		return time.Duration(secs) * time.Second, true
	}

	if sec, ok := strings.CutSuffix(s, "s"); ok {
		v, err := strconv.ParseFloat(sec, 64)
		if err != nil {
			return 0, false
		}
		return time.Duration(math.Ceil(v)) * time.Second, true
	}

	return 0, false
}

func truncateForDisplay(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return fmt.Sprintf("%s... [truncated, %d total chars]", s[:maxLen], len(s))
}
