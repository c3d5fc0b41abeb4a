package outbox

import "errors"

// terminalError marks a failure that retrying cannot fix.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string {
	return e.err.Error()
}

func (e *terminalError) Unwrap() error {
	return e.err
}

func (e *terminalError) Terminal() bool {
	return true
}

// Terminal wraps err so the queue marks the item failed without retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether any error in err's chain declares itself terminal
// through a Terminal() bool method.
func IsTerminal(err error) bool {
	var classified interface{ Terminal() bool }
	if errors.As(err, &classified) {
		return classified.Terminal()
	}
	return false
}
