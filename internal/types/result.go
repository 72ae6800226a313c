package types

// Result is the outcome of processing one input line: either Accepted or
// Rejected. Callers type-switch on it.
type Result interface {
	isResult()
}

// Accepted carries the reading as committed to the store.
type Accepted struct {
	Reading Reading
}

// Rejected carries why a line did not become a reading.
type Rejected struct {
	Reason Reason
}

func (Accepted) isResult() {}
func (Rejected) isResult() {}

// Reason describes a rejection.
type Reason struct {
	Kind    string // errors.Kind* value
	Message string
	Err     error
	Line    string
}

// Error implements error so a reason can be logged or wrapped directly.
func (r Reason) Error() string {
	return r.Kind + ": " + r.Message
}

// Unwrap exposes the underlying cause.
func (r Reason) Unwrap() error {
	return r.Err
}
