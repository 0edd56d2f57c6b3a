package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes a provider failure so hosts can decide whether a retry
// makes sense. The loop never retries on its own.
type Reason string

const (
	ReasonRateLimit      Reason = "rate_limit"
	ReasonAuth           Reason = "auth"
	ReasonBilling        Reason = "billing"
	ReasonTimeout        Reason = "timeout"
	ReasonServerError    Reason = "server_error"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonModelNotFound  Reason = "model_not_found"
	ReasonContentFilter  Reason = "content_filter"
	ReasonContextLength  Reason = "context_length"
	ReasonCancelled      Reason = "cancelled"
	ReasonUnknown        Reason = "unknown"
)

// Transient reports whether the same request may succeed later.
func (r Reason) Transient() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a normalized model backend failure. No SDK error type
// leaves this package unwrapped.
type ProviderError struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// ErrorCode is the code reported on error events.
func (e *ProviderError) ErrorCode() string { return "provider." + string(e.Reason) }

// Retryable tells the host whether offering a retry is worthwhile.
func (e *ProviderError) Retryable() bool { return e.Reason.Transient() }

// NewProviderError wraps cause, classifying it from its text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: ReasonUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = Classify(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatus(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records a provider error code and reclassifies from it.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// Classify derives a reason from an arbitrary error.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}

	msg := strings.ToLower(err.Error())
	contains := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
	switch {
	case contains("timeout", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case contains("rate limit", "rate_limit", "too many requests", "429"):
		return ReasonRateLimit
	case contains("context length", "context_length", "too many tokens", "maximum context"):
		return ReasonContextLength
	case contains("unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return ReasonAuth
	case contains("billing", "payment", "quota", "402"):
		return ReasonBilling
	case contains("content_filter", "content policy", "safety"):
		return ReasonContentFilter
	case contains("model not found", "model_not_found", "does not exist"):
		return ReasonModelNotFound
	case contains("internal server", "server error", "overloaded", "500", "502", "503", "504", "529"):
		return ReasonServerError
	}
	return ReasonUnknown
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "permission_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "not_found_error", "model_not_found":
		return ReasonModelNotFound
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "context_length_exceeded":
		return ReasonContextLength
	case "api_error", "overloaded_error", "server_error":
		return ReasonServerError
	case "invalid_request_error", "validationexception":
		return ReasonInvalidRequest
	case "throttlingexception", "toomanyrequestsexception", "servicequotaexceededexception":
		return ReasonRateLimit
	case "accessdeniedexception", "unrecognizedclientexception", "expiredtokenexception":
		return ReasonAuth
	case "resourcenotfoundexception":
		return ReasonModelNotFound
	case "modeltimeoutexception":
		return ReasonTimeout
	case "internalserverexception", "serviceunavailableexception", "modelnotreadyexception":
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
