package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"schemealert/internal/types"
)

// maxRequestBodySize is the maximum allowed size of a request body (1 MB).
const maxRequestBodySize = 1 << 20

// APIResponse is the standard envelope for successful responses.
type APIResponse struct {
	Data interface{} `json:"data,omitempty"`
}

// APIErrorResponse is the standard envelope for error responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned to clients.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes a JSON response with the given status code and data.
func JSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fallback := APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(types.ErrCodeInternalUnexpected),
				Message:   "failed to marshal response",
				RequestID: types.GetRequestID(r.Context()),
			},
		}
		_ = json.NewEncoder(w).Encode(fallback)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes an error response. AppErrors carry their own HTTP status via
// the code taxonomy; anything else becomes a 500 without leaking the
// underlying message.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		resp := APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(appErr.Code),
				Message:   appErr.Message,
				Details:   appErr.Details,
				RequestID: requestID,
			},
		}
		JSON(w, r, appErr.HTTPStatus(), resp)
		return
	}

	resp := APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "an unexpected error occurred",
			RequestID: requestID,
		},
	}
	JSON(w, r, http.StatusInternalServerError, resp)
}

// errCodeInvalidJSON is local to the API layer; malformed JSON never reaches
// the domain packages.
const errCodeInvalidJSON types.ErrorCode = "validation_invalid_json"

// DecodeJSON reads the request body into dst, enforcing the 1 MB size limit
// and rejecting unknown fields and trailing JSON values.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err)
	}

	if dec.More() {
		return types.NewAppError(errCodeInvalidJSON,
			"request body must contain a single JSON object", nil)
	}

	return nil
}

func mapDecodeError(err error) *types.AppError {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return types.NewAppError(errCodeInvalidJSON,
			"request body must not exceed 1MB", err)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return types.NewAppError(errCodeInvalidJSON,
			"malformed JSON in request body", err)
	}

	var unmarshalTypeErr *json.UnmarshalTypeError
	if errors.As(err, &unmarshalTypeErr) {
		return types.NewAppErrorWithDetails(errCodeInvalidJSON,
			"invalid value for field", err,
			map[string]any{
				"field":    unmarshalTypeErr.Field,
				"expected": unmarshalTypeErr.Type.String(),
			})
	}

	if strings.HasPrefix(err.Error(), "json: unknown field") {
		return types.NewAppError(errCodeInvalidJSON,
			"unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "), err)
	}

	if errors.Is(err, io.EOF) {
		return types.NewAppError(errCodeInvalidJSON,
			"request body must not be empty", err)
	}

	return types.NewAppError(errCodeInvalidJSON,
		"invalid JSON in request body", err)
}
