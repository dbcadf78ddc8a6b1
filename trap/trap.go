// Package trap implements the host-only unwinding signal used to
// collapse a guest call stack. A Signal is thrown as a panic from a
// host callback and recovered at the nearest guest-call boundary;
// anything else escaping through that boundary is a genuine runtime
// fault, not control flow.
package trap

import "fmt"

type Kind int

const (
	// Panic means the guest kernel reported an unrecoverable
	// condition. The unit stops being scheduled but is kept around
	// for inspection.
	Panic Kind = iota

	// ReloadProgram means the process image must be replaced; the
	// running user code must not regain control. Caught at the top
	// of the user-program loop.
	ReloadProgram

	// SignalReturn transfers control back to the point a signal
	// interrupted. Caught immediately around the handler invocation.
	SignalReturn
)

func (k Kind) String() string {
	switch k {
	case Panic:
		return "panic"
	case ReloadProgram:
		return "reload-program"
	case SignalReturn:
		return "signal-return"
	default:
		return fmt.Sprintf("trap(%d)", int(k))
	}
}

type Signal struct {
	Kind    Kind
	Message string
}

// Error lets a Signal survive being folded into an error chain by the
// wasm runtime and still be recognized with errors.As.
func (s *Signal) Error() string {
	if s.Message == "" {
		return "trap: " + s.Kind.String()
	}

	return "trap: " + s.Kind.String() + ": " + s.Message
}

// Throw abandons the current call stack with the given signal.
func Throw(kind Kind, msg string) {
	panic(&Signal{Kind: kind, Message: msg})
}

// Rethrow re-raises a signal recovered by an intermediate frame that
// cannot handle it.
func Rethrow(s *Signal) {
	panic(s)
}

// FromRecovered inspects a recover() value. It returns the signal if
// the panic was one of ours; otherwise ok is false and the caller must
// re-panic or treat the value as a runtime fault.
func FromRecovered(v interface{}) (*Signal, bool) {
	s, ok := v.(*Signal)
	return s, ok
}
