package broker

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aristath/sentinel/internal/apperr"
)

// envelope is the broker's JSON response shape: {status, data} on success or
// {status, error_type, message} on failure.
type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	ErrorType string          `json:"error_type"`
	Message   string          `json:"message"`
}

// mapError translates an HTTP status and error_type into the stable apperr
// taxonomy per the documented broker contract.
func mapError(statusCode int, errorType, message string) error {
	switch {
	case statusCode == http.StatusUnauthorized || errorType == "TokenException":
		return apperr.New(apperr.KindAuth, fmt.Sprintf("access token expired or invalid: %s", message))
	case statusCode == http.StatusForbidden || errorType == "PermissionException":
		return apperr.New(apperr.KindPermission, message)
	case statusCode == http.StatusTooManyRequests || errorType == "TooManyRequestsException":
		return apperr.New(apperr.KindRateLimit, message)
	case statusCode >= 500 || errorType == "NetworkException":
		return apperr.New(apperr.KindNetwork, message)
	case statusCode == http.StatusBadRequest:
		return apperr.New(apperr.KindValidation, message)
	default:
		return apperr.New(apperr.KindAPI, message)
	}
}
