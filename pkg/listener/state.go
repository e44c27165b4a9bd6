package listener

// State is the listener lifecycle:
//
//	Disconnected -> Connecting -> Subscribed <-> Processing
//	                     |
//	                     +-> Failed
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Processing
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Processing:
		return "processing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
