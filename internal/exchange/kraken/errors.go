package kraken

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"kraken-mcp-trader/internal/core"
)

// APIError carries the error strings of a Kraken response envelope.
type APIError struct {
	Messages  []string
	retryable bool
	uncertain bool
}

func (e APIError) Error() string {
	return "kraken api error: " + strings.Join(e.Messages, "; ")
}

// Temporary reports whether repeating the call may succeed.
func (e APIError) Temporary() bool { return e.retryable }

// Uncertain reports whether the exchange may have applied the request anyway.
func (e APIError) Uncertain() bool { return e.uncertain }

type errorRule struct {
	prefix    string
	kind      error
	retryable bool
	uncertain bool
}

// Matched by prefix, so "EGeneral:Invalid arguments:volume" hits the
// "EGeneral:Invalid arguments" rule.
var errorTable = []errorRule{
	{prefix: "EOrder:Insufficient funds", kind: core.ErrInsufficientFunds},
	{prefix: "EQuery:Unknown asset pair", kind: core.ErrUnknownPair},
	{prefix: "EAPI:Invalid nonce", kind: core.ErrInvalidNonce},
	{prefix: "EAPI:Invalid key", kind: core.ErrAuthentication},
	{prefix: "EAPI:Invalid signature", kind: core.ErrAuthentication},
	{prefix: "EAPI:Bad request", kind: core.ErrMalformedRequest},
	{prefix: "EGeneral:Permission denied", kind: core.ErrPermissionDenied},
	{prefix: "EGeneral:Invalid arguments:volume", kind: core.ErrInvalidVolume},
	{prefix: "EGeneral:Invalid arguments:price", kind: core.ErrInvalidPrice},
	{prefix: "EGeneral:Invalid arguments", kind: core.ErrMalformedRequest},
	{prefix: "EOrder:Invalid price", kind: core.ErrInvalidPrice},
	{prefix: "EOrder:Invalid volume", kind: core.ErrInvalidVolume},
	{prefix: "EOrder:Order minimum not met", kind: core.ErrInvalidVolume},
	{prefix: "EOrder:Unknown order", kind: core.ErrOrderNotFound},
	{prefix: "EOrder:Orders limit exceeded", kind: core.ErrOrderLimit},
	{prefix: "EService:Unavailable", kind: core.ErrServiceUnavailable, retryable: true},
	{prefix: "EService:Busy", kind: core.ErrServiceUnavailable, retryable: true},
	{prefix: "EService:Market in cancel_only mode", kind: core.ErrServiceUnavailable},
	{prefix: "EService:Market in post_only mode", kind: core.ErrServiceUnavailable},
	{prefix: "EAPI:Rate limit exceeded", kind: core.ErrRateLimited, retryable: true},
	{prefix: "EOrder:Rate limit exceeded", kind: core.ErrRateLimited, retryable: true},
	{prefix: "EGeneral:Too many requests", kind: core.ErrRateLimited, retryable: true},
	{prefix: "EGeneral:Temporary lockout", kind: core.ErrLockedOut},
	{prefix: "EService:Deadline elapsed", kind: core.ErrUncertainEffect, uncertain: true},
	{prefix: "EGeneral:Internal error", kind: core.ErrUncertainEffect, uncertain: true},
}

// classifyAPIError joins the raw APIError with the sentinel kinds its messages map
// to. Unknown messages keep only the APIError, which classifies as fatal.
func classifyAPIError(messages []string) error {
	apiErr := APIError{Messages: messages}
	kinds := make([]error, 0, len(messages))
	for _, msg := range messages {
		rule, ok := lookupRule(msg)
		if !ok {
			continue
		}
		kinds = appendErrorKind(kinds, rule.kind)
		apiErr.retryable = apiErr.retryable || rule.retryable
		apiErr.uncertain = apiErr.uncertain || rule.uncertain
	}
	if len(kinds) == 0 {
		return apiErr
	}
	chain := make([]error, 0, 1+len(kinds))
	chain = append(chain, apiErr)
	chain = append(chain, kinds...)
	return errors.Join(chain...)
}

func lookupRule(msg string) (errorRule, bool) {
	msg = strings.TrimSpace(msg)
	for _, rule := range errorTable {
		if strings.HasPrefix(msg, rule.prefix) {
			return rule, true
		}
	}
	return errorRule{}, false
}

func appendErrorKind(kinds []error, kind error) []error {
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if err == nil || !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

// HTTPStatusError is a non-2xx response without a usable Kraken envelope.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e HTTPStatusError) Error() string {
	msg := "kraken http status " + strconv.Itoa(e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e HTTPStatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// uncertainStatus marks responses where an upstream may have processed the request
// before failing.
func uncertainStatus(code int) bool {
	return code == http.StatusInternalServerError || code == http.StatusGatewayTimeout
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
