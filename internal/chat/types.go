package chat

// Member is a room participant. Deliver must not block: rooms call it from
// their own goroutine while fanning out.
type Member interface {
	ID() uint32
	Name() string
	Deliver(line string) bool
}

type MessageKind int

const (
	KindText MessageKind = iota
	KindFileOffer
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindFileOffer:
		return "file_offer"
	default:
		return "unknown"
	}
}

// Message is one entry of a room queue. Seq is assigned by the room when the
// message is enqueued.
type Message struct {
	Seq        uint64
	Sender     uint32
	SenderName string
	Kind       MessageKind
	// Payload is the text for KindText and the filename for KindFileOffer.
	Payload string
	Size    int64

	// Announced, when set, receives the ids of the members a file offer is
	// about to be delivered to.
	Announced func(recipients []uint32)
}

var (
	ErrRoomClosed     = errorString("room_closed")
	ErrRegistryClosed = errorString("registry_closed")
	ErrNameInvalid    = errorString("name_invalid")
	ErrNotInRoom      = errorString("not_in_room")
)

type errorString string

func (e errorString) Error() string { return string(e) }
