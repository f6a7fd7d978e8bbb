package api

import (
	"errors"
	"net/http"
	"strconv"
)

type AppError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrBadRequest         = &AppError{Code: http.StatusBadRequest, Message: "bad request"}
	ErrUnauthorized       = &AppError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrForbidden          = &AppError{Code: http.StatusForbidden, Message: "forbidden"}
	ErrNotFound           = &AppError{Code: http.StatusNotFound, Message: "not found"}
	ErrConflict           = &AppError{Code: http.StatusConflict, Message: "conflict"}
	ErrInternalServer     = &AppError{Code: http.StatusInternalServerError, Message: "internal server error"}
	ErrInvalidCredentials = &AppError{Code: http.StatusUnauthorized, Message: "invalid email or password"}
	ErrEmailAlreadyExists = &AppError{Code: http.StatusConflict, Message: "email already registered"}
	ErrInvalidToken       = &AppError{Code: http.StatusUnauthorized, Message: "invalid or expired token"}
	ErrValidation         = &AppError{Code: http.StatusBadRequest, Message: "validation error"}
	ErrContentTooLong     = &AppError{Code: http.StatusUnprocessableEntity, Message: "content too long to analyze"}
	ErrProviderFailed     = &AppError{Code: http.StatusBadGateway, Message: "analysis provider failed"}
	ErrProviderBusy       = &AppError{Code: http.StatusServiceUnavailable, Message: "analysis provider unavailable, try again later"}
)

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func NewNotFoundError(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Message: msg}
}

func NewConflictError(msg string) *AppError {
	return &AppError{Code: http.StatusConflict, Message: msg}
}

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

// Throttle is implemented by denials that render as 429 with a countdown.
type Throttle interface {
	error
	// ThrottleCode is "cooldown_active" or "quota_exhausted".
	ThrottleCode() string
	RetryAfterSeconds() int
	ThrottleHint() string
	OfferSignup() bool
}

// ThrottleBody is the JSON shape of a denial.
type ThrottleBody struct {
	Error             string            `json:"error"`
	Code              string            `json:"code"`
	SecondsRemaining  *int              `json:"seconds_remaining,omitempty"`
	SecondsUntilReset *int              `json:"seconds_until_reset,omitempty"`
	Hint              string            `json:"hint,omitempty"`
	Actions           map[string]string `json:"actions,omitempty"`
}

var signupActions = map[string]string{
	"login":  "/auth/login",
	"signup": "/auth/signup",
}

func HandleError(w http.ResponseWriter, err error) {
	var throttle Throttle
	if errors.As(err, &throttle) {
		WriteThrottle(w, throttle)
		return
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		JSONErrorMessage(w, appErr.Code, appErr.Message)
		return
	}
	JSONErrorMessage(w, http.StatusInternalServerError, "internal server error")
}

// WriteThrottle renders t as 429 with Retry-After.
func WriteThrottle(w http.ResponseWriter, t Throttle) {
	seconds := t.RetryAfterSeconds()
	body := ThrottleBody{
		Error: t.Error(),
		Code:  t.ThrottleCode(),
		Hint:  t.ThrottleHint(),
	}
	if body.Code == "cooldown_active" {
		body.SecondsRemaining = &seconds
	} else {
		body.SecondsUntilReset = &seconds
	}
	if t.OfferSignup() {
		body.Actions = signupActions
	}

	w.Header().Set("Retry-After", strconv.Itoa(max(1, seconds)))
	write(w, http.StatusTooManyRequests, body)
}
