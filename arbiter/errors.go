package arbiter

import "errors"

// ErrQueueClosed is returned by Push once Close has been called.
var ErrQueueClosed = errors.New("arbiter: queue closed")
