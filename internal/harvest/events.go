package harvest

import (
	"time"

	"github.com/pressroom-hq/account-harvester/internal/logger"
)

// EventKind labels a batch progress notification.
type EventKind string

const (
	EventProgress       EventKind = "progress"
	EventAccountStatus  EventKind = "account_status"
	EventError          EventKind = "error"
	EventBatchCompleted EventKind = "batch_completed"
)

// AccountState is one step of the per-account pipeline.
type AccountState int

const (
	StatePending AccountState = iota
	StateResolving
	StateFetching
	StateFiltering
	StateEnriching
	StatePersisting
	StateDone
	StateErrored
)

var stateNames = map[AccountState]string{
	StatePending:    "pending",
	StateResolving:  "resolving",
	StateFetching:   "fetching",
	StateFiltering:  "filtering",
	StateEnriching:  "enriching",
	StatePersisting: "persisting",
	StateDone:       "done",
	StateErrored:    "errored",
}

func (s AccountState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Event is one batch notification. Fields beyond Kind are populated per kind:
// Progress carries Done/Total/Percent (batch-wide when Account is empty,
// per-account fetch progress otherwise), AccountStatus carries Account,
// State, and an optional Message, Error carries Account and Err,
// BatchCompleted carries Harvested.
type Event struct {
	Kind      EventKind
	Account   string
	State     AccountState
	Message   string
	Done      int
	Total     int
	Percent   int
	Harvested int
	Err       error
	At        time.Time
}

// Sink receives batch events. Implementations must not block the pipeline.
type Sink interface {
	Publish(ev Event)
}

// ChannelSink forwards events into a buffered channel, dropping when full so
// a slow consumer never stalls harvesting.
type ChannelSink struct {
	C chan Event
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{C: make(chan Event, buffer)}
}

func (s *ChannelSink) Publish(ev Event) {
	if s == nil {
		return
	}
	select {
	case s.C <- ev:
	default:
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	Log logger.Logger
}

func (s LogSink) Publish(ev Event) {
	if s.Log == nil {
		return
	}
	switch ev.Kind {
	case EventError:
		s.Log.WarnObj("account failed: "+ev.Account, "error", ev.Err)
	case EventAccountStatus:
		s.Log.DebugObj("account "+ev.Account, "state", ev.State.String())
	case EventProgress:
		s.Log.DebugObj("batch progress", "done", ev.Done)
	case EventBatchCompleted:
		s.Log.InfoObj("batch completed", "harvested", ev.Harvested)
	}
}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}

// nopSink swallows events when no sink is configured.
type nopSink struct{}

func (nopSink) Publish(Event) {}
