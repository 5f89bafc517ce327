package server

import (
	"strings"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/pkg/merr"
)

// RequestKind identifies what a client line asks for.
type RequestKind int

const (
	// RequestNone is an empty line; it only counts as a heartbeat.
	RequestNone RequestKind = iota
	RequestBroadcast
	RequestList
	RequestJoin
	RequestName
	RequestQuit
)

// Request is one parsed client line.
type Request struct {
	Kind RequestKind
	// Arg is the message text for RequestBroadcast and the room or name for
	// RequestJoin and RequestName.
	Arg string
}

// ParseLine turns a single line of client input into a Request. Lines that
// start with '/' are commands; anything else is chat text and is kept
// verbatim apart from a trailing carriage return.
func ParseLine(line string) (Request, error) {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return Request{Kind: RequestNone}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return Request{Kind: RequestBroadcast, Arg: line}, nil
	}

	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/list":
		return Request{Kind: RequestList}, nil
	case "/quit":
		return Request{Kind: RequestQuit}, nil
	case "/join":
		if arg == "" {
			return Request{}, merr.WrapErrMissingArgument(cmd)
		}
		return Request{Kind: RequestJoin, Arg: arg}, nil
	case "/name":
		if arg == "" {
			return Request{}, merr.WrapErrMissingArgument(cmd)
		}
		return Request{Kind: RequestName, Arg: arg}, nil
	default:
		return Request{}, merr.WrapErrUnknownCommand(cmd)
	}
}

// splitLines breaks one inbound frame into the lines it carries.
func splitLines(payload []byte) []string {
	return strings.Split(string(payload), "\n")
}

// RenderEvent formats a broker event as the text a client sees.
func RenderEvent(ev broker.Event) string {
	switch e := ev.(type) {
	case broker.Joined:
		if e.Self {
			return "* joined " + e.Room
		}
		return "* " + e.Name + " left for " + e.Room
	case broker.Message:
		return e.From + ": " + e.Text
	case broker.RoomList:
		if len(e.Rooms) == 0 {
			return "* no rooms"
		}
		return strings.Join(e.Rooms, "\n")
	default:
		return ""
	}
}

// renderError formats a protocol error notice.
func renderError(err error) string {
	return "! " + err.Error()
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
