package hotrelay

// Kind identifies what a connection record represents to the reactor.
type Kind int

const (
	KindTCPListener Kind = iota
	KindTCPPeer
	KindCtrlListener
	KindCtrlConn
)

func (k Kind) String() string {
	switch k {
	case KindTCPListener:
		return "tcp-listener"
	case KindTCPPeer:
		return "tcp-peer"
	case KindCtrlListener:
		return "ctrl-listener"
	case KindCtrlConn:
		return "ctrl-conn"
	default:
		return "unknown"
	}
}

// UID is a peer's self-declared 16-bit routable address. UnsetUID marks a
// connection that has not yet announced one. This steals the top value of
// the 16-bit space from the usable uid range; see DESIGN.md.
type UID uint16

const UnsetUID UID = 0xFFFF

// descUID is the wire representation of a uid inside a "desc" handover
// message, where an unannounced peer is carried as -1 rather than UnsetUID.
func (u UID) descUID() int32 {
	if u == UnsetUID {
		return -1
	}
	return int32(u)
}

func uidFromDesc(v int32) UID {
	if v < 0 {
		return UnsetUID
	}
	return UID(uint16(v))
}
