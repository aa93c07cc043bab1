package run

import "github.com/AntonKhorev/osm-note-viewer-sub000/internal/osmnotes"

// MessageKind classifies run messages so the UI can render transient network
// failures, protocol failures and terminal notices differently.
type MessageKind string

const (
	MessageInfo          MessageKind = "info"
	MessageNetworkError  MessageKind = "network-error"
	MessageProtocolError MessageKind = "protocol-error"
	MessageNotSaved      MessageKind = "not-saved"
	MessageFatal         MessageKind = "fatal"
)

// Message is the latest user-facing notice of a run.
type Message struct {
	Kind MessageKind `json:"kind"`
	Text string      `json:"text"`
}

// Listener receives fetch-run lifecycle notifications. Implementations must
// not block; they are called from the run's cycle loop.
type Listener interface {
	// RunStarted fires once per run after its fetch record is resolved.
	RunStarted(runID, queryString string)
	// BatchAdded fires after each reconciled cycle with the notes not
	// previously in the working set and the new total.
	BatchAdded(runID string, unseen []osmnotes.Note, total int, degraded bool)
	// RunMessage fires whenever the run's user-facing message changes.
	RunMessage(runID string, kind MessageKind, text string)
}

// NopListener discards all notifications.
type NopListener struct{}

func (NopListener) RunStarted(string, string)                     {}
func (NopListener) BatchAdded(string, []osmnotes.Note, int, bool) {}
func (NopListener) RunMessage(string, MessageKind, string)        {}

// Snapshot is a point-in-time copy of a run's working set for the UI.
type Snapshot struct {
	ID          string           `json:"id"`
	QueryString string           `json:"queryString"`
	State       State            `json:"state"`
	Degraded    bool             `json:"degraded"`
	Notes       []osmnotes.Note  `json:"notes"`
	Users       map[int64]string `json:"users"`
	Message     *Message         `json:"message,omitempty"`
}
