package domain

// Status is the processing state of an image job. Transitions go through
// the store's CompareAndTransition primitive only.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions may occur from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}
