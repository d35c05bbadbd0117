package domain

import "errors"

// Pipeline stage names, in execution order.
const (
	StageDecode    = "decode"
	StageThumbnail = "thumbnail"
	StageMetadata  = "metadata"
	StageCaption   = "caption"
)

var (
	// ErrNotFound is returned when a job id is unknown to the store.
	ErrNotFound = errors.New("image job not found")

	// ErrDuplicateID is returned when creating a job whose id already exists.
	ErrDuplicateID = errors.New("image job id already exists")

	// ErrConflict is returned by CompareAndTransition when the record is not
	// in the expected status. Claim races surface as this error and the
	// losing worker drops the message.
	ErrConflict = errors.New("image job not in expected status")

	// ErrRetryExhausted marks a transient failure past the retry bound.
	ErrRetryExhausted = errors.New("retry bound exhausted")
)

// DecodeError marks a permanently failed decode stage. Malformed input will
// not self-correct, so jobs failing here are never requeued.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// StageError wraps a transient failure in a named pipeline stage. Jobs
// failing with a StageError are requeued until the retry bound.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err as a transient failure of the given stage.
func NewStageError(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// IsPermanent reports whether err must finalize the job without retry.
func IsPermanent(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
