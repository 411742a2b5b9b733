// Package apierr defines Sentinel's stable error taxonomy shared by every
// component that must surface a caller-facing code alongside an HTTP status.
package apierr

import "net/http"

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeInvalidDomain       Code = "INVALID_DOMAIN"
	CodeInvalidCIDR         Code = "INVALID_CIDR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeAlreadyConfigured   Code = "ALREADY_CONFIGURED"
	CodeAINotConfigured     Code = "AI_NOT_CONFIGURED"
	CodeNotConfigured       Code = "NOT_CONFIGURED"
	CodeBlocklistExists     Code = "BLOCKLIST_EXISTS"
	CodeRefreshFailed       Code = "REFRESH_FAILED"
	CodeTooLarge            Code = "TOO_LARGE"
	CodeFollowerReadonly    Code = "FOLLOWER_READONLY"
	CodeJoinCodeExpired     Code = "JOIN_CODE_EXPIRED"
	CodeClusterPSKMissing   Code = "CLUSTER_PSK_MISSING"
	CodeSecretsKeyMissing   Code = "SECRETS_KEY_MISSING"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeTimestampSkew       Code = "TS_SKEW"
	CodeReplay              Code = "REPLAY_DETECTED"
	CodeInternal            Code = "INTERNAL"
)

// Error is the typed error value carried across package boundaries.
type Error struct {
	Code    Code
	Message string
	Detail  string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return e.Message + ": " + e.Detail
	}
	return e.Message
}

// HTTPStatus maps the error code to its aligned HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidRequest, CodeInvalidDomain, CodeInvalidCIDR, CodeJoinCodeExpired, CodeTooLarge:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeTimestampSkew, CodeReplay:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyConfigured, CodeBlocklistExists, CodeFollowerReadonly:
		return http.StatusConflict
	case CodeAINotConfigured, CodeClusterPSKMissing, CodeSecretsKeyMissing, CodeNotConfigured:
		return http.StatusPreconditionFailed
	case CodeRefreshFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error carrying an additional detail string, e.g. an
// underlying parse failure surfaced alongside REFRESH_FAILED.
func Wrap(code Code, message, detail string) *Error {
	return &Error{Code: code, Message: message, Detail: detail}
}

// NotFound is a convenience constructor for the common NOT_FOUND case.
func NotFound(what string) *Error {
	return &Error{Code: CodeNotFound, Message: what + " not found"}
}
