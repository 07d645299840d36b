package bus

import "errors"

// ErrClosed is returned by a Backend once Close has been called.
var ErrClosed = errors.New("bus: backend closed")
