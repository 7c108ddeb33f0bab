package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type errorResponse struct {
	Code      errors.Code    `json:"code"`
	Message   string         `json:"message"`
	Field     string         `json:"field,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Hint      string         `json:"hint,omitempty"`
	Retryable bool           `json:"retryable"`
}

// decodeJSON reads the request body into dst and validates it. An empty body
// decodes to the zero value when allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case err == io.EOF && allowEmpty:
	case err != nil:
		return errors.InvalidInput("body", "invalid JSON request body")
	}

	if err := validate.Struct(dst); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return errors.InvalidInput(fe.Field(), "failed "+fe.Tag()+" validation").
				WithDetails("namespace", fe.Namespace())
		}
		return errors.InvalidInput("body", err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as a coded JSON error. Internal failures are logged
// and rendered without their cause.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := statusForCode(code)

	resp := errorResponse{Code: code, Hint: hintForCode(code), Retryable: errors.Retryable(err)}
	if coded, ok := errors.As(err); ok {
		resp.Message = coded.Message
		resp.Field = coded.Field
		resp.Details = coded.Details
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", RequestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("code", string(code)).
			Msg("Request failed")
		if code == errors.ErrCodeInternal {
			resp.Message = "internal error"
			resp.Details = nil
		}
	}
	writeJSON(w, status, resp)
}

func statusForCode(code errors.Code) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeNotAuthorized, errors.ErrCodeNotCommitteeMember:
		return http.StatusForbidden
	case errors.ErrCodeConflict,
		errors.ErrCodeNoPendingAssignment,
		errors.ErrCodeAlreadyDecided,
		errors.ErrCodeVotingClosed,
		errors.ErrCodeDecisionStillPending:
		return http.StatusConflict
	case errors.ErrCodeNoMatchingTier:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeStorage:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func hintForCode(code errors.Code) string {
	switch code {
	case errors.ErrCodeInvalidInput:
		return "fix_request"
	case errors.ErrCodeNoPendingAssignment, errors.ErrCodeAlreadyDecided, errors.ErrCodeVotingClosed, errors.ErrCodeConflict:
		return "refresh_and_retry"
	case errors.ErrCodeDecisionStillPending:
		return "wait_for_votes"
	case errors.ErrCodeNotAuthorized, errors.ErrCodeNotCommitteeMember:
		return "check_permissions"
	case errors.ErrCodeStorage:
		return "retry_later"
	case errors.ErrCodeConfiguration, errors.ErrCodeNoMatchingTier, errors.ErrCodeInvalidRecord:
		return "contact_admin"
	}
	return ""
}
