package server

import (
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// ChatPathPrefix is the path under which chat rooms are served.
const ChatPathPrefix = "/chat/"

const maxRoomIDLength = 100

var (
	// ErrBadRoomID is returned for request paths without a usable room id.
	ErrBadRoomID = errors.New("bad room id")

	// ErrProtocolViolation is wrapped by every *ProtocolError.
	ErrProtocolViolation = errors.New("protocol violation")

	errEmptyFrame = errors.New("empty frame")
)

// Protocol violation reasons, also used as metric labels.
const (
	ReasonBinary      = "binary"
	ReasonOversized   = "oversized"
	ReasonInvalidUTF8 = "invalid_utf8"
)

// ProtocolError describes a frame that ends the connection with a
// policy-violation close.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocolViolation
}

// ParseRoomID extracts the room id from an escaped request path of the form
// /chat/<room_id> with an optional trailing slash.
func ParseRoomID(escapedPath string) (string, error) {
	rest, ok := strings.CutPrefix(escapedPath, ChatPathPrefix)
	if !ok {
		return "", ErrBadRoomID
	}
	rest = strings.TrimSuffix(rest, "/")
	if strings.Contains(rest, "/") {
		return "", ErrBadRoomID
	}

	roomID, err := url.PathUnescape(rest)
	if err != nil {
		return "", ErrBadRoomID
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" || len(roomID) > maxRoomIDLength {
		return "", ErrBadRoomID
	}
	for i := 0; i < len(roomID); i++ {
		if !isUnreserved(roomID[i]) {
			return "", ErrBadRoomID
		}
	}
	return roomID, nil
}

// isUnreserved reports whether c is in the RFC 3986 unreserved set.
func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

// decodeFrame validates one inbound frame and returns the chat payload.
// data may hold at most limit+1 bytes; anything longer than limit is
// reported as oversized.
func decodeFrame(messageType int, data []byte, limit int64) ([]byte, error) {
	if messageType != websocket.TextMessage {
		return nil, &ProtocolError{Reason: ReasonBinary}
	}
	if int64(len(data)) > limit {
		return nil, &ProtocolError{Reason: ReasonOversized}
	}
	if !utf8.Valid(data) {
		return nil, &ProtocolError{Reason: ReasonInvalidUTF8}
	}
	if len(data) == 0 {
		return nil, errEmptyFrame
	}
	return data, nil
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
