package domain

// Signal bus channels shared by the controllers and the API.
const (
	// SnapshotChannel carries every published Snapshot as JSON.
	SnapshotChannel = "alloc:snapshot"
	// SnapshotStream is the durable history of SnapshotChannel.
	SnapshotStream = "alloc:snapshots"
	// ControlChannel carries ControlMessage values to running controllers.
	ControlChannel = "alloc:control"
	// BarChannel is the default channel of the Redis bar feed.
	BarChannel = "bars"
)

// ControlAction names an operator command.
type ControlAction string

const ControlResume ControlAction = "resume"

// ControlMessage is an operator command addressed to one instrument.
type ControlMessage struct {
	Action     ControlAction `json:"action"`
	Instrument string        `json:"instrument"`
}
