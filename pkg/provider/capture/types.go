package capture

import "fmt"

// Fragment is one recognition result fragment from a capture engine.
// Both interim (revisable) and final (committed) fragments use this type.
type Fragment struct {
	// Text is the recognised speech content.
	Text string

	// IsFinal indicates whether the engine has committed to this fragment.
	// Interim fragments are replaced wholesale on every update and must never
	// be accumulated by consumers.
	IsFinal bool

	// Confidence is the engine's confidence score (0.0–1.0). May be zero for
	// engines that do not report confidence.
	Confidence float64
}

// Event is one recognition update. A single update may carry several
// fragments: zero or more newly finalised ones followed by the engine's
// current best-guess interims.
type Event struct {
	Fragments []Fragment
}

// ErrorClass partitions engine errors by how the session must react.
type ErrorClass int

const (
	// ClassTransient covers recoverable conditions (network hiccup, no
	// speech detected). The session logs and continues.
	ClassTransient ErrorClass = iota

	// ClassFatal covers unrecoverable conditions (permission denied, service
	// disabled). The session stops and surfaces the error.
	ClassFatal
)

// String returns the human-readable name of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// EngineError is a classified error reported by a capture engine.
type EngineError struct {
	// Class determines whether the session survives this error.
	Class ErrorClass

	// Code is the engine-specific error identifier (e.g., "no-speech",
	// "not-allowed", "network").
	Code string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture engine %s error %q: %v", e.Class, e.Code, e.Err)
	}
	return fmt.Sprintf("capture engine %s error %q", e.Class, e.Code)
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error { return e.Err }

// Transient reports whether the error may be swallowed without ending the
// capture session.
func (e *EngineError) Transient() bool { return e.Class == ClassTransient }
