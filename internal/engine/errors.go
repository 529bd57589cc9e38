package engine

import (
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/beam/internal/crypto"
)

var (
	ErrContentNotFound = errors.New("content not found")
	ErrChannelClosed   = errors.New("channel closed before delivery")
	ErrClosed          = errors.New("engine closed")
	ErrAuthentication  = crypto.ErrAuthentication
)

// ValidationError reports bad arguments. It is the only error returned
// synchronously by the public operations.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConnectionError reports that no channel to PeerID could be used.
type ConnectionError struct {
	PeerID string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.PeerID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
