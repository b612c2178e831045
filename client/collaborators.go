package client

// StreamKind distinguishes the two media stream channels of an active call.
type StreamKind int

const (
	StreamAudio StreamKind = iota
	StreamVideo
)

// Notifier is the presentation collaborator. The engine calls it for every
// delivered message, presence change and call-state transition; rendering is
// entirely the implementer's concern. Callbacks run on the engine's read
// goroutine and must not block.
type Notifier interface {
	ChatReceived(from, chatID, mode, text string)
	FileReceived(from, chatID, mode, filename string, data []byte)
	VoiceReceived(from, chatID, mode string, data []byte)
	UserList(users []string)
	GroupList(groups []string)
	ServerNotice(text string)
	ErrorNotice(text string)
	CallIncoming(from, callType string)
	CallStarted(peer, callType string)
	CallEnded(peer, reason string)
	Disconnected()
}

// Media is the media collaborator. The engine treats frames as opaque
// encoded payloads: capture, codecs and playback live behind this interface.
type Media interface {
	// Start begins capture for an active call. Frames produced by the
	// collaborator are handed to send for relay to the call peer.
	Start(callType string, send func(kind StreamKind, frame []byte)) error
	// Deliver hands an inbound frame to the collaborator for playback.
	Deliver(kind StreamKind, frame []byte)
	// Stop releases capture and playback resources.
	Stop()
}
