package broker

// EventKind identifies one of the events a broker hands to a session.
type EventKind int

const (
	KindJoined EventKind = iota + 1
	KindMessage
	KindRoomList
)

func (k EventKind) String() string {
	switch k {
	case KindJoined:
		return "joined"
	case KindMessage:
		return "message"
	case KindRoomList:
		return "room_list"
	default:
		return "unknown"
	}
}

// Event is an outbound notification for a single session. Events carry
// display data only.
type Event interface {
	Kind() EventKind
}

// Joined reports a room change. Self is set on the confirmation sent to the
// session that moved; the remaining members of the room it left receive the
// same event with Self unset.
type Joined struct {
	Room string
	Name string
	Self bool
}

func (Joined) Kind() EventKind { return KindJoined }

// Message is chat content relayed from another member of the room.
type Message struct {
	From string
	Text string
}

func (Message) Kind() EventKind { return KindMessage }

// RoomList answers a room listing request.
type RoomList struct {
	Rooms []string
}

func (RoomList) Kind() EventKind { return KindRoomList }
