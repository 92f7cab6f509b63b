package gateway

import "errors"

// ErrInvalidRequest marks a malformed client request.
var ErrInvalidRequest = errors.New("invalid request")
