package executor

// EventKind classifies progress reported while a job runs.
type EventKind string

const (
	EventGenerated        EventKind = "generated"
	EventGenerateFailed   EventKind = "generate_failed"
	EventUnableToGetImage EventKind = "unable_to_get_image"
	EventFetchFailed      EventKind = "fetch_failed"
	EventWriteFailed      EventKind = "write_failed"
	EventWritten          EventKind = "written"
	EventStopped          EventKind = "stopped"
)

// Event is one progress notification. Unit is zero-based.
type Event struct {
	JobID    int64
	Kind     EventKind
	Unit     int
	Message  string
	Location string
	Err      error
}

type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
