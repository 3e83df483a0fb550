package httpapi

import (
	"encoding/json"
	"fmt"
)

// Numeric API codes the client understands. Unknown codes still
// surface as *APIError with the code preserved.
const (
	CodeOK                   = 0
	CodeWrongEmailOrPassword = 1004
	CodeTokenInvalid         = 1022
	CodeTokenExpired         = 1019
	CodeRateLimit            = 1028
	CodeBadDomain            = 1030
	CodeWrongMFACode         = 1033
	CodeOperationLocked      = 1035
	CodeAPILimitReached      = 1042
	CodeResourceAccessDenied = 1043
	CodeTooManyTokens        = 1301
)

// APIError is a request-level failure carrying the API status code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Code, describeCode(e.Code))
}

// BadDomainError carries the domains the API wants us to use instead.
type BadDomainError struct {
	APIDomain  string
	MQTTDomain string
}

func (e *BadDomainError) Error() string {
	return fmt.Sprintf("redirected to api domain %q, mqtt domain %q", e.APIDomain, e.MQTTDomain)
}

// AuthError covers login-level failures: bad credentials, expired or
// invalidated tokens, MFA problems, too many live tokens.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("auth error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("auth error %d: %s", e.Code, describeCode(e.Code))
}

func describeCode(code int) string {
	switch code {
	case CodeWrongEmailOrPassword:
		return "wrong email or password"
	case CodeTokenInvalid:
		return "token invalid"
	case CodeTokenExpired:
		return "token expired"
	case CodeRateLimit:
		return "rate limit exceeded"
	case CodeBadDomain:
		return "wrong api domain"
	case CodeWrongMFACode:
		return "wrong mfa code"
	case CodeOperationLocked:
		return "operation locked"
	case CodeAPILimitReached:
		return "api call limit reached"
	case CodeResourceAccessDenied:
		return "resource access denied"
	case CodeTooManyTokens:
		return "too many tokens"
	default:
		return "unknown error"
	}
}

// errorFromCode maps a numeric API status to the error taxonomy. This
// is the single place the mapping lives.
func errorFromCode(code int, message string, data json.RawMessage) error {
	switch code {
	case CodeOK:
		return nil
	case CodeBadDomain:
		var v struct {
			APIDomain  string `json:"domain"`
			MQTTDomain string `json:"mqttDomain"`
		}
		_ = json.Unmarshal(data, &v)
		return &BadDomainError{APIDomain: v.APIDomain, MQTTDomain: v.MQTTDomain}
	case CodeWrongEmailOrPassword, CodeTokenInvalid, CodeTokenExpired, CodeWrongMFACode, CodeTooManyTokens:
		return &AuthError{Code: code, Message: message}
	default:
		return &APIError{Code: code, Message: message}
	}
}
