package core

import (
	"errors"
	"time"
)

// Server defaults
const (
	DefaultAddress = "localhost:8080"

	// DefaultIOTimeout bounds each read and write on a client connection
	DefaultIOTimeout = 10 * time.Second
)

// Error definitions
var (
	ErrBind          = errors.New("bind failed")
	ErrServerClosed  = errors.New("server closed")
	ErrInvalidConfig = errors.New("invalid server config")
)
