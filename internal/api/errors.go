//
//
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/robot-control/rbc/internal/command"
	"github.com/robot-control/rbc/internal/controller"
	"github.com/robot-control/rbc/internal/dashboard"
)

// APIError represents an API-layer error with HTTP status code.
type APIError struct {
	Code       string
	Message    string
	Details    interface{}
	StatusCode int
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ErrBadRequest marks malformed request bodies and path parameters.
var ErrBadRequest = errors.New("BAD_REQUEST")

// errorMapping maps a sentinel to its status and code.
type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// Ordered: the first match wins. A RobotError matches its kind first.
var errorMappings = []errorMapping{
	{ErrBadRequest, http.StatusBadRequest, "BAD_REQUEST", "Malformed or missing required parameter"},
	{command.ErrInvalidParameter, http.StatusBadRequest, "BAD_REQUEST", "Malformed or missing required parameter"},
	{dashboard.ErrInvalidProgram, http.StatusBadRequest, "BAD_REQUEST", "Program name must end in .urp"},
	{command.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Command not in history"},
	{command.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE", "Service unavailable"},
	{controller.ErrConnection, http.StatusServiceUnavailable, "UNAVAILABLE", "Robot controller unreachable"},
	{controller.ErrUnrecoverableState, http.StatusConflict, "ROBOT_STATE", "Robot is in a state the bridge cannot recover from"},
	{dashboard.ErrUnlockFailed, http.StatusConflict, "ROBOT_STATE", "Protective stop could not be unlocked"},
	{controller.ErrRecoveryFailed, http.StatusBadGateway, "RECOVERY_FAILED", "Robot recovery failed"},
	{controller.ErrProtocolViolation, http.StatusBadGateway, "PROTOCOL_VIOLATION", "Unexpected reply from robot controller"},
	{controller.ErrDecode, http.StatusBadGateway, "PROTOCOL_VIOLATION", "Unexpected reply from robot controller"},
	{controller.ErrVariableConsistency, http.StatusInternalServerError, "INTERNAL", "Variable state is inconsistent"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT", "Robot did not answer in time"},
	{context.Canceled, http.StatusServiceUnavailable, "UNAVAILABLE", "Request cancelled"},
}

// ToAPIError converts an error to an API error with HTTP status code and JSON body.
func ToAPIError(err error) (int, []byte) {
	if err == nil {
		return http.StatusOK, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, marshalErrorResponse(apiErr.Code, apiErr.Message, apiErr.Details)
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, marshalErrorResponse(m.code, m.message, errorDetails(err))
		}
	}

	return http.StatusInternalServerError, marshalErrorResponse("INTERNAL", "Internal server error", map[string]interface{}{
		"original": err.Error(),
	})
}

// errorDetails exposes the cause and any controller reply.
func errorDetails(err error) map[string]interface{} {
	details := map[string]interface{}{"original": err.Error()}
	if raw, ok := controller.RawReply(err); ok {
		details["reply"] = raw
	}
	return details
}

func marshalErrorResponse(code, message string, details interface{}) []byte {
	data, err := json.Marshal(ErrorResponse(code, message, details))
	if err != nil {
		return []byte(`{"result":"error","code":"INTERNAL","message":"Internal server error"}`)
	}
	return data
}
