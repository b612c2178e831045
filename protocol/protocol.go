package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// Message types
const (
	TypeLogin            = "LOGIN"
	TypePublicMsg        = "PUBLIC_MSG"
	TypePrivateMsg       = "PRIVATE_MSG"
	TypeGroupMsg         = "GROUP_MSG"
	TypeFile             = "FILE"
	TypeVoiceMsg         = "VOICE_MSG"
	TypeVideoStream      = "VIDEO_STREAM"
	TypeAudioStream      = "AUDIO_STREAM"
	TypeCreateGroup      = "CREATE_GROUP"
	TypeAddMember        = "ADD_MEMBER"
	TypeLeaveGroup       = "LEAVE_GROUP"
	TypeVideoCallRequest = "VIDEO_CALL_REQUEST"
	TypeAudioCallRequest = "AUDIO_CALL_REQUEST"
	TypeCallAccepted     = "CALL_ACCEPTED"
	TypeCallDeclined     = "CALL_DECLINED"
	TypeCallEnded        = "CALL_ENDED"
	TypeCallFailed       = "CALL_FAILED"
	TypeChat             = "CHAT"
	TypeFileRx           = "FILE_RX"
	TypeVoiceRx          = "VOICE_RX"
	TypeUserList         = "USER_LIST"
	TypeGroupList        = "GROUP_LIST"
	TypeServer           = "SERVER"
	TypeError            = "ERROR"
)

// Delivery modes carried by CHAT, FILE_RX and VOICE_RX
const (
	ModePublic  = "Public"
	ModePrivate = "Private"
	ModeGroup   = "Group"
)

// Call types carried by call signaling messages
const (
	CallAudio = "Audio"
	CallVideo = "Video"
)

// BroadcastTarget is the reserved destination meaning "everyone except the sender".
const BroadcastTarget = "All"

// DefaultMaxFrame bounds a single encoded frame. Base64-encoded file payloads
// are the largest frames on the wire.
const DefaultMaxFrame = 4 * 1024 * 1024

// ErrFrameTooLarge is returned when buffered data exceeds the frame limit
// without a delimiter. The connection must be closed after it.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Message is the wire envelope. One JSON object per frame, terminated by '\n'.
// encoding/json escapes newlines inside strings, so the delimiter can never
// appear inside an encoded frame.
type Message struct {
	Type       string   `json:"type"`
	Name       string   `json:"name,omitempty"`
	Target     string   `json:"target,omitempty"`
	GroupName  string   `json:"group_name,omitempty"`
	MemberName string   `json:"member_name,omitempty"`
	Text       string   `json:"msg,omitempty"`
	Data       string   `json:"data,omitempty"`
	Filename   string   `json:"filename,omitempty"`
	IsGroup    bool     `json:"is_group,omitempty"`
	From       string   `json:"from,omitempty"`
	Mode       string   `json:"mode,omitempty"`
	ChatID     string   `json:"chat_id,omitempty"`
	Users      []string `json:"users,omitempty"`
	Groups     []string `json:"groups,omitempty"`
	CallType   string   `json:"call_type,omitempty"`
}

// DecodeError reports a single malformed frame. It is recoverable: the frame
// is dropped and the connection keeps serving.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes a message into a delimited frame ready for transmission.
func Encode(msg *Message) ([]byte, error) {
	buf, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(buf, '\n'), nil
}

// Decode parses one frame into a message. Any malformed or untagged frame
// yields a *DecodeError.
func Decode(frame []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if msg.Type == "" {
		return nil, &DecodeError{Err: errors.New("missing type tag")}
	}
	return &msg, nil
}

// Reader turns a byte stream into a sequence of complete frames. Partial
// frames are buffered across reads; a single read may yield zero, one or
// many frames.
type Reader struct {
	s *bufio.Scanner
}

// NewReader wraps r with a frame scanner bounded by maxFrame bytes.
// maxFrame <= 0 selects DefaultMaxFrame.
func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	initial := 64 * 1024
	if initial > maxFrame {
		// Стартовый буфер не должен превышать лимит, иначе сканер не
		// заметит слишком длинный кадр, помещающийся в буфер
		initial = maxFrame
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, initial), maxFrame)
	return &Reader{s: s}
}

// Next returns the next complete frame, skipping blank lines. The returned
// slice is only valid until the next call. io.EOF signals a clean close,
// ErrFrameTooLarge an oversized frame.
func (r *Reader) Next() ([]byte, error) {
	for r.s.Scan() {
		frame := bytes.TrimSpace(r.s.Bytes())
		if len(frame) == 0 {
			continue
		}
		return frame, nil
	}
	if err := r.s.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}
