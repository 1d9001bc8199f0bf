package model

// EventKind tags a ProgressEvent.
type EventKind int

const (
	EventLoading EventKind = iota
	EventSuccess
	EventFailure
)

func (k EventKind) String() string {
	switch k {
	case EventLoading:
		return "loading"
	case EventSuccess:
		return "success"
	case EventFailure:
		return "failure"
	}
	return "unknown"
}

// ProgressEvent is one step of a pipeline run. A sequence carries any number
// of Loading events followed by exactly one Success or Failure.
type ProgressEvent struct {
	Kind    EventKind
	Message string // Loading
	Payload string // Success
	Err     error  // Failure
}

func Loading(msg string) ProgressEvent { return ProgressEvent{Kind: EventLoading, Message: msg} }

func Success(payload string) ProgressEvent {
	return ProgressEvent{Kind: EventSuccess, Payload: payload}
}

func Failure(err error) ProgressEvent { return ProgressEvent{Kind: EventFailure, Err: err} }

// Terminal reports whether the event ends its sequence.
func (e ProgressEvent) Terminal() bool { return e.Kind != EventLoading }

// ProgressSink receives Loading messages forwarded by an orchestrator.
type ProgressSink func(msg string)

// Emit calls the sink when it is set.
func (s ProgressSink) Emit(msg string) {
	if s != nil {
		s(msg)
	}
}
