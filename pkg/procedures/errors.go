package procedures

import "errors"

// ErrNotFound is returned when a procedure id does not exist in the store.
var ErrNotFound = errors.New("procedure not found")
