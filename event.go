package hotrelay

import "time"

// EventType enumerates the relay lifecycle events the optional event
// router can observe. None of these affect forwarding or handover
// semantics; they are purely for external observability.
type EventType int

const (
	EventPeerAnnounced EventType = iota
	EventPeerDisconnected
	EventOversizeFrame
	EventHandoverPhase
	EventListenerShed
)

func (t EventType) String() string {
	switch t {
	case EventPeerAnnounced:
		return "peer_announced"
	case EventPeerDisconnected:
		return "peer_disconnected"
	case EventOversizeFrame:
		return "oversize_frame"
	case EventHandoverPhase:
		return "handover_phase"
	case EventListenerShed:
		return "listener_shed"
	default:
		return "unknown"
	}
}

// Event is what gets published to the configured EventRouter.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	UID       UID                    `json:"uid,omitempty"`
	MetaData  map[string]interface{} `json:"metaData,omitempty"`
	Msg       string                 `json:"msg,omitempty"`
}

func newEvent(t EventType, uid UID, msg string) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		UID:       uid,
		Msg:       msg,
	}
}
