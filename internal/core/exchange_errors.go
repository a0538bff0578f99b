package core

import "errors"

var (
	// ErrInsufficientFunds indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUnknownPair indicates the exchange does not know the requested asset pair.
	ErrUnknownPair = errors.New("unknown asset pair")
	// ErrInvalidNonce indicates the exchange saw a nonce that was not strictly increasing.
	ErrInvalidNonce = errors.New("invalid nonce")
	// ErrAuthentication indicates the api key or signature was rejected.
	ErrAuthentication = errors.New("authentication failed")
	// ErrPermissionDenied indicates the api key lacks the permission for the call.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrMalformedRequest indicates the exchange could not accept the request arguments.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrInvalidPrice indicates the exchange rejected the order price.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrInvalidVolume indicates the exchange rejected the order volume.
	ErrInvalidVolume = errors.New("invalid volume")
	// ErrOrderNotFound indicates the order does not exist or is already final.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderLimit indicates the account reached the exchange open order limit.
	ErrOrderLimit = errors.New("exchange order limit exceeded")
	// ErrServiceUnavailable indicates the exchange is temporarily unavailable or busy.
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
	// ErrRateLimited indicates the exchange rejected the call for exceeding its rate limit.
	ErrRateLimited = errors.New("exchange rate limit exceeded")
	// ErrLockedOut indicates the api key is temporarily locked out.
	ErrLockedOut = errors.New("temporary lockout")
	// ErrUncertainEffect indicates the exchange could not tell whether the request took effect.
	ErrUncertainEffect = errors.New("request outcome uncertain")
)
