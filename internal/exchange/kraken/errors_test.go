package kraken

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"kraken-mcp-trader/internal/core"
	"kraken-mcp-trader/internal/retry"
)

func TestClassifyAPIErrorTable(t *testing.T) {
	cases := []struct {
		msg       string
		kind      error
		class     retry.Class
		uncertain bool
	}{
		{"EOrder:Insufficient funds", core.ErrInsufficientFunds, retry.Fatal, false},
		{"EQuery:Unknown asset pair", core.ErrUnknownPair, retry.Fatal, false},
		{"EAPI:Invalid nonce", core.ErrInvalidNonce, retry.Fatal, false},
		{"EAPI:Invalid key", core.ErrAuthentication, retry.Fatal, false},
		{"EAPI:Invalid signature", core.ErrAuthentication, retry.Fatal, false},
		{"EGeneral:Permission denied", core.ErrPermissionDenied, retry.Fatal, false},
		{"EGeneral:Invalid arguments", core.ErrMalformedRequest, retry.Fatal, false},
		{"EGeneral:Invalid arguments:volume", core.ErrInvalidVolume, retry.Fatal, false},
		{"EOrder:Invalid price:XBTUSD price can only be specified up to 1 decimals.", core.ErrInvalidPrice, retry.Fatal, false},
		{"EOrder:Unknown order", core.ErrOrderNotFound, retry.Fatal, false},
		{"EOrder:Orders limit exceeded", core.ErrOrderLimit, retry.Fatal, false},
		{"EService:Unavailable", core.ErrServiceUnavailable, retry.Retryable, false},
		{"EService:Busy", core.ErrServiceUnavailable, retry.Retryable, false},
		{"EAPI:Rate limit exceeded", core.ErrRateLimited, retry.Retryable, false},
		{"EOrder:Rate limit exceeded", core.ErrRateLimited, retry.Retryable, false},
		{"EGeneral:Temporary lockout", core.ErrLockedOut, retry.Fatal, false},
		{"EService:Deadline elapsed", core.ErrUncertainEffect, retry.Fatal, true},
		{"EGeneral:Internal error", core.ErrUncertainEffect, retry.Fatal, true},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			err := classifyAPIError([]string{tc.msg})
			assert.ErrorIs(t, err, tc.kind)
			apiErr, ok := AsAPIError(err)
			assert.True(t, ok)
			assert.Equal(t, tc.uncertain, apiErr.Uncertain())
			if !tc.uncertain {
				assert.Equal(t, tc.class, retry.Classify(err))
			}
		})
	}
}

func TestClassifyAPIErrorUnknownIsFatal(t *testing.T) {
	err := classifyAPIError([]string{"EFuture:Something new"})
	apiErr, ok := AsAPIError(err)
	assert.True(t, ok)
	assert.Equal(t, []string{"EFuture:Something new"}, apiErr.Messages)
	assert.Equal(t, retry.Fatal, retry.Classify(err))
	assert.False(t, errors.Is(err, core.ErrServiceUnavailable))
}

func TestClassifyAPIErrorJoinsEveryKind(t *testing.T) {
	err := classifyAPIError([]string{"EOrder:Insufficient funds", "EService:Busy"})
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)
	assert.ErrorIs(t, err, core.ErrServiceUnavailable)
	assert.Contains(t, err.Error(), "EOrder:Insufficient funds; EService:Busy")
}

func TestHTTPStatusErrorTemporary(t *testing.T) {
	assert.True(t, HTTPStatusError{StatusCode: 503}.Temporary())
	assert.True(t, HTTPStatusError{StatusCode: 429}.Temporary())
	assert.False(t, HTTPStatusError{StatusCode: 403}.Temporary())
	assert.Equal(t, retry.Retryable, retry.Classify(HTTPStatusError{StatusCode: 502}))
}
