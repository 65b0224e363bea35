package mesh

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized   = errors.New("connection manager not initialized")
	ErrAlreadyScanning  = errors.New("already scanning")
	ErrDeviceUnknown    = errors.New("device never discovered")
	ErrNotConnected     = errors.New("no live link to device")
	ErrNoConnectedLinks = errors.New("no connected links")
	ErrShutdown         = errors.New("connection manager shut down")
)

// ConnectionLimitError reports a connect attempt against a full pool
type ConnectionLimitError struct {
	Max int
}

func (e *ConnectionLimitError) Error() string {
	return fmt.Sprintf("connection limit reached (max %d)", e.Max)
}
