package delivery

import "errors"

// ErrClosed is returned by operations started after Close.
var ErrClosed = errors.New("delivery pipeline closed")
