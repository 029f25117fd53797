package events

// Disposition is what a handler decided to do with a message.
type Disposition int

const (
	DispositionSuccess Disposition = iota
	DispositionSkip
	DispositionRetry
	DispositionDeadLetter
)

func (d Disposition) String() string {
	switch d {
	case DispositionSuccess:
		return "success"
	case DispositionSkip:
		return "skip"
	case DispositionRetry:
		return "retry"
	case DispositionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Dead-letter reasons produced by the pipeline itself.
const (
	ReasonMaxRetriesExceeded    = "MaxRetriesExceeded"
	ReasonDeserializationFailed = "DeserializationFailed"
	ReasonHandlerRejected       = "HandlerRejected"
	ReasonMissingOriginalTopic  = "MissingOriginalTopic"
)

// Result is returned by every handler.
type Result struct {
	Disposition Disposition
	Reason      string
}

func Success() Result { return Result{Disposition: DispositionSuccess} }

func Skip() Result { return Result{Disposition: DispositionSkip} }

func Retry(reason string) Result {
	return Result{Disposition: DispositionRetry, Reason: reason}
}

func DeadLetter(reason string) Result {
	return Result{Disposition: DispositionDeadLetter, Reason: reason}
}

// Commits reports whether the message offset may be committed right away.
func (r Result) Commits() bool {
	return r.Disposition == DispositionSuccess || r.Disposition == DispositionSkip
}
