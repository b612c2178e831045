package client

import (
	"encoding/base64"
	"errors"
	"sync"

	"speakme/protocol"
)

// CallState is the client-local call lifecycle. The relay holds no call
// state: both peers replicate this machine and coordinate only through
// relayed signaling messages.
type CallState int

const (
	CallIdle CallState = iota
	CallRingingCaller
	CallRingingCallee
	CallActive
	CallEnding
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallRingingCaller:
		return "ringing-caller"
	case CallRingingCallee:
		return "ringing-callee"
	case CallActive:
		return "active"
	case CallEnding:
		return "ending"
	}
	return "unknown"
}

var (
	ErrCallBusy   = errors.New("another call is in progress")
	ErrNoIncoming = errors.New("no incoming call to answer")
)

// CallManager drives the call signaling state machine for one connection.
// At most one call exists at a time, identified by the peer identity and a
// call type. There is no ring timeout: an unanswered ring persists until
// canceled locally or a response arrives.
type CallManager struct {
	send     func(*protocol.Message) error
	notifier Notifier
	media    Media

	mu       sync.Mutex
	state    CallState
	peer     string
	callType string
	mediaOn  bool
}

func newCallManager(send func(*protocol.Message) error, notifier Notifier, media Media) *CallManager {
	return &CallManager{send: send, notifier: notifier, media: media}
}

// State returns the current state with the call peer and type.
func (c *CallManager) State() (CallState, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.peer, c.callType
}

// Initiate places an outgoing call and enters the cancelable ringing state.
func (c *CallManager) Initiate(target, callType string) error {
	c.mu.Lock()
	if c.state != CallIdle {
		c.mu.Unlock()
		return ErrCallBusy
	}
	c.state = CallRingingCaller
	c.peer = target
	c.callType = callType
	c.mu.Unlock()

	reqType := protocol.TypeVideoCallRequest
	if callType == protocol.CallAudio {
		reqType = protocol.TypeAudioCallRequest
	}
	if err := c.send(&protocol.Message{Type: reqType, Target: target}); err != nil {
		c.mu.Lock()
		c.reset()
		c.mu.Unlock()
		return err
	}
	return nil
}

// Accept answers the ringing incoming call and starts local media.
func (c *CallManager) Accept() error {
	c.mu.Lock()
	if c.state != CallRingingCallee {
		c.mu.Unlock()
		return ErrNoIncoming
	}
	peer, callType := c.peer, c.callType
	c.mu.Unlock()

	if err := c.send(&protocol.Message{Type: protocol.TypeCallAccepted, Target: peer, CallType: callType}); err != nil {
		return err
	}
	c.activate(peer)
	return nil
}

// Decline rejects the ringing incoming call.
func (c *CallManager) Decline() error {
	c.mu.Lock()
	if c.state != CallRingingCallee {
		c.mu.Unlock()
		return ErrNoIncoming
	}
	peer := c.peer
	c.reset()
	c.mu.Unlock()

	err := c.send(&protocol.Message{Type: protocol.TypeCallDeclined, Target: peer})
	c.notifier.CallEnded(peer, "declined")
	return err
}

// End hangs up the active call, or cancels an outgoing ring. A no-op when
// there is nothing to end.
func (c *CallManager) End() error {
	c.mu.Lock()
	if c.state != CallActive && c.state != CallRingingCaller {
		c.mu.Unlock()
		return nil
	}
	peer := c.peer
	c.state = CallEnding
	c.mu.Unlock()

	err := c.send(&protocol.Message{Type: protocol.TypeCallEnded, Target: peer})
	c.teardown(peer, "ended")
	return err
}

// handleIncoming is driven by a relayed call request. A newer incoming
// request replaces a still-unanswered one; anything else in progress leaves
// the request unanswered.
func (c *CallManager) handleIncoming(from, callType string) {
	c.mu.Lock()
	if c.state != CallIdle && c.state != CallRingingCallee {
		c.mu.Unlock()
		return
	}
	c.state = CallRingingCallee
	c.peer = from
	c.callType = callType
	c.mu.Unlock()

	c.notifier.CallIncoming(from, callType)
}

func (c *CallManager) handleAccepted(from string) {
	c.mu.Lock()
	if c.state != CallRingingCaller || c.peer != from {
		// Непрошеный ответ без нашего запроса игнорируем
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.activate(from)
}

func (c *CallManager) handleDeclined(from string) {
	c.mu.Lock()
	if c.state != CallRingingCaller || c.peer != from {
		c.mu.Unlock()
		return
	}
	c.reset()
	c.mu.Unlock()

	c.notifier.CallEnded(from, "declined")
}

func (c *CallManager) handleEnded(from string) {
	c.mu.Lock()
	if c.state == CallIdle || c.peer != from {
		c.mu.Unlock()
		return
	}
	c.state = CallEnding
	c.mu.Unlock()

	c.teardown(from, "ended by peer")
}

// handleFailed collapses an outgoing ring: the relay reported the target
// unreachable.
func (c *CallManager) handleFailed(reason string) {
	c.mu.Lock()
	if c.state != CallRingingCaller {
		c.mu.Unlock()
		return
	}
	peer := c.peer
	c.reset()
	c.mu.Unlock()

	c.notifier.CallEnded(peer, reason)
}

// handleStream delivers an inbound media frame to the collaborator while a
// call is active. Frames outside an active call are dropped.
func (c *CallManager) handleStream(kind StreamKind, frame []byte) {
	c.mu.Lock()
	active := c.state == CallActive
	c.mu.Unlock()
	if !active || c.media == nil {
		return
	}
	c.media.Deliver(kind, frame)
}

// connectionLost tears down whatever call is in flight when the transport
// drops.
func (c *CallManager) connectionLost() {
	c.mu.Lock()
	if c.state == CallIdle {
		c.mu.Unlock()
		return
	}
	peer := c.peer
	c.state = CallEnding
	c.mu.Unlock()

	c.teardown(peer, "connection lost")
}

// activate transitions the ring with expected into Active. The state is
// re-checked under the lock: between the answer decision and this call the
// read goroutine may have torn the ring down or replaced it with another
// caller, and a torn-down call must stay down.
func (c *CallManager) activate(expected string) {
	c.mu.Lock()
	if (c.state != CallRingingCaller && c.state != CallRingingCallee) || c.peer != expected {
		// Звонок успели снести или заменить, пока уходил ответ
		c.mu.Unlock()
		return
	}
	peer, callType := c.peer, c.callType
	c.state = CallActive
	if c.media != nil {
		c.mediaOn = true
	}
	c.mu.Unlock()

	if c.media != nil {
		if err := c.media.Start(callType, c.sendFrame); err != nil {
			c.notifier.ErrorNotice("Media start failed: " + err.Error())
		}
	}
	c.notifier.CallStarted(peer, callType)
}

// sendFrame relays one locally captured frame to the call peer. Handed to
// the media collaborator as its send callback.
func (c *CallManager) sendFrame(kind StreamKind, frame []byte) {
	c.mu.Lock()
	if c.state != CallActive {
		c.mu.Unlock()
		return
	}
	peer := c.peer
	c.mu.Unlock()

	streamType := protocol.TypeAudioStream
	if kind == StreamVideo {
		streamType = protocol.TypeVideoStream
	}
	_ = c.send(&protocol.Message{
		Type:   streamType,
		Target: peer,
		Data:   base64.StdEncoding.EncodeToString(frame),
	})
}

func (c *CallManager) teardown(peer, reason string) {
	c.mu.Lock()
	stopMedia := c.mediaOn
	c.reset()
	c.mu.Unlock()

	if stopMedia {
		c.media.Stop()
	}
	c.notifier.CallEnded(peer, reason)
}

// reset returns the machine to idle. Caller holds the lock.
func (c *CallManager) reset() {
	c.state = CallIdle
	c.peer = ""
	c.callType = ""
	c.mediaOn = false
}
