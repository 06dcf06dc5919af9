package component

import "fmt"

// Error attributes a failure to the component that caused it. Scheduler,
// router and snapshot errors caused by a component are wrapped in an Error so
// that the host can report the offending id.
type Error struct {
	ID  ID
	Op  string
	Err error
}

// Errorf wraps err with the component id and operation name.
func Errorf(id ID, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{ID: id, Op: op, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("component %q: %s: %v", e.ID, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
