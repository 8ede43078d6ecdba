package jobs

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateJob      = errors.New("job already exists")
	ErrPoolFull          = errors.New("worker pool is full")
)

// Kind classifies a job failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindInput
	KindDecode
	KindModelLoad
	KindTranscription
	KindExport
	KindTimeout
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "InputError"
	case KindDecode:
		return "DecodeError"
	case KindModelLoad:
		return "ModelLoadError"
	case KindTranscription:
		return "TranscriptionError"
	case KindExport:
		return "ExportError"
	case KindTimeout:
		return "TimeoutError"
	case KindPersistence:
		return "PersistenceError"
	default:
		return "UnknownError"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	for k := KindInput; k <= KindPersistence; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

func (k Kind) advice() string {
	switch k {
	case KindInput:
		return "Check the file extension, that the file is not empty and that the URL is reachable"
	case KindDecode:
		return "The media could not be decoded; make sure it contains an audio track and ffmpeg is installed"
	case KindModelLoad:
		return "Make sure the model file is present in the models directory"
	case KindTranscription:
		return "The recognition engine failed; try a smaller model or a shorter recording"
	case KindExport:
		return "Check that the export directory exists and is writable"
	case KindTimeout:
		return "The job stopped reporting progress; resubmit it or raise TASK_TIMEOUT_SECONDS"
	case KindPersistence:
		return "Check that the data directory is writable"
	default:
		return ""
	}
}

// TaskError is a classified failure. Message is what a client sees.
type TaskError struct {
	Kind    Kind
	Message string
	Cause   error
}

func NewTaskError(kind Kind, message string, cause error) *TaskError {
	return &TaskError{Kind: kind, Message: message, Cause: cause}
}

func TaskErrorf(kind Kind, cause error, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *TaskError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *TaskError) Unwrap() error {
	return e.Cause
}

// WithAdvice attaches a user-facing hint readable with errors.FlattenHints.
func (e *TaskError) WithAdvice() error {
	if advice := e.Kind.advice(); advice != "" {
		return errors.WithHint(e, advice)
	}
	return e
}

// KindOf returns the kind of the first TaskError in err's chain.
func KindOf(err error) Kind {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Advice returns the hints attached to err, one per line.
func Advice(err error) string {
	return errors.FlattenHints(err)
}
