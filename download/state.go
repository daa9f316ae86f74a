package download

import "strconv"

// State of a download. Values leave room between phases so that
// comparisons like "s >= Initialized && s < Downloading" stay meaningful.
type State int

// Download states.
const (
	StartOfDay   State = -1
	Waiting      State = 0
	Initializing State = 5
	Initialized  State = 10
	Allocating   State = 20
	Checking     State = 30
	Ready        State = 40
	Downloading  State = 50
	Finishing    State = 55
	Seeding      State = 60
	Stopping     State = 65
	Stopped      State = 70
	// Closed is only accepted by Stop. It is normalized to Stopped.
	Closed State = 71
	Queued State = 75
	// Failed is the error state. Details are returned by Download.Error.
	Failed State = 100
)

var stateStrings = map[State]string{
	StartOfDay:   "Start Of Day",
	Waiting:      "Waiting",
	Initializing: "Initializing",
	Initialized:  "Initialized",
	Allocating:   "Allocating",
	Checking:     "Checking",
	Ready:        "Ready",
	Downloading:  "Downloading",
	Finishing:    "Finishing",
	Seeding:      "Seeding",
	Stopping:     "Stopping",
	Stopped:      "Stopped",
	Closed:       "Closed",
	Queued:       "Queued",
	Failed:       "Error",
}

func (s State) String() string {
	str, ok := stateStrings[s]
	if !ok {
		return strconv.FormatInt(int64(s), 10)
	}
	return str
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// persisted values of the state attribute
const (
	savedStateStart   = "start"
	savedStateStopped = "stopped"
	savedStateQueued  = "queued"
	savedStateError   = "error"
)

func savedState(s State) string {
	switch s {
	case Stopped:
		return savedStateStopped
	case Queued:
		return savedStateQueued
	case Failed:
		return savedStateError
	case Waiting, Downloading, Seeding:
		return savedStateStart
	}
	return ""
}
