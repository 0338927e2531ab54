package lurepot

import "fmt"

// BindError reports a listen socket that could not be claimed. The caller
// can tell it apart from config errors and exit accordingly.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// NotFoundError reports an operation against an instance ID that is not
// running.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no running instance with id %s", e.ID)
}
