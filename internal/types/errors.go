package types

import "errors"

// ErrEndOfStream is returned by a frame source that will produce no more
// frames. It is terminal for whoever reads the source.
var ErrEndOfStream = errors.New("end of stream")
