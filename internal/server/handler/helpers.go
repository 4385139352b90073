package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError sends a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrRoundNotFound, http.StatusNotFound, "round_not_found"},
	{domain.ErrParticipantNotFound, http.StatusNotFound, "participant_not_found"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrInvalidMode, http.StatusBadRequest, "invalid_mode"},
	{domain.ErrMissingSideOrRange, http.StatusBadRequest, "missing_side_or_range"},
	{domain.ErrInvalidRange, http.StatusBadRequest, "invalid_range"},
	{domain.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{domain.ErrInvalidDuration, http.StatusBadRequest, "invalid_duration"},
	{domain.ErrActiveRoundExists, http.StatusConflict, "active_round_exists"},
	{domain.ErrDuplicatePrediction, http.StatusConflict, "duplicate_prediction"},
	{domain.ErrRoundNotActive, http.StatusConflict, "round_not_active"},
	{domain.ErrInvalidRoundState, http.StatusConflict, "invalid_round_state"},
	{domain.ErrRoundAlreadyResolved, http.StatusConflict, "round_already_resolved"},
	{domain.ErrStakeAlreadySettled, http.StatusConflict, "stake_already_settled"},
	{domain.ErrAlreadyExists, http.StatusConflict, "already_exists"},
	{domain.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{domain.ErrOracleUnavailable, http.StatusServiceUnavailable, "oracle_unavailable"},
	{domain.ErrSettlementCallFailed, http.StatusBadGateway, "settlement_call_failed"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
}

// writeDomainError maps a service error to its HTTP status. Unknown errors
// are logged and reported as 500 without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			writeJSON(w, c.status, errorBody{Error: c.err.Error(), Code: c.code})
			return
		}
	}
	logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
}

// writeDecodeError reports a malformed request body. Decimal fields that
// fail to parse get a stable code.
func writeDecodeError(w http.ResponseWriter, err error) {
	for _, numErr := range []error{numeric.ErrInvalidText, numeric.ErrPrecision, numeric.ErrOutOfRange} {
		if errors.Is(err, numErr) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_decimal"})
			return
		}
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// decodeJSON reads a single JSON object and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts reads limit, offset, since and until from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) (domain.ListOpts, error) {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: 50}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("invalid limit %q", v)
		}
		opts.Limit = min(n, 500)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid offset %q", v)
		}
		opts.Offset = n
	}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("invalid %s %q", name, v)
		}
		*dst = &t
	}
	return opts, nil
}
