package client

import (
	"encoding/base64"
	"errors"
	"net"
	"sync"
	"time"

	"speakme/protocol"
)

// ErrNotConnected is returned by every send-path operation called before
// Connect or after the connection dropped.
var ErrNotConnected = errors.New("not connected")

// Client is the client-side protocol engine: it owns the connection, the
// read loop and the call signaling state machine. Presentation and media are
// collaborator interfaces; the engine renders nothing and captures nothing.
type Client struct {
	notifier Notifier
	calls    *CallManager

	mu        sync.Mutex
	conn      net.Conn
	name      string
	connected bool

	sendMu sync.Mutex
}

// New creates a disconnected engine. media may be nil for a text-only client.
func New(notifier Notifier, media Media) *Client {
	c := &Client{notifier: notifier}
	c.calls = newCallManager(c.send, notifier, media)
	return c
}

// Connect dials the relay and declares the display name. The identity takes
// effect server-side immediately; any previous connection under the same
// name is evicted.
func (c *Client) Connect(addr, name string) error {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.name = name
	c.connected = true
	c.mu.Unlock()

	if err := c.send(&protocol.Message{Type: protocol.TypeLogin, Name: name}); err != nil {
		conn.Close()
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return err
	}

	go c.readLoop(conn)
	return nil
}

// Disconnect closes the connection. Any call in flight is torn down by the
// read loop on its way out.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	conn := c.conn
	c.mu.Unlock()
	return conn.Close()
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Name returns the declared display name.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Calls exposes the call signaling state machine.
func (c *Client) Calls() *CallManager {
	return c.calls
}

// send serializes outbound writes; handlers and the media callback may send
// concurrently. Sending on an engine that is not connected fails with
// ErrNotConnected instead of reaching a nil connection.
func (c *Client) send(msg *protocol.Message) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_, err = conn.Write(frame)
	return err
}

// SendPublic sends a chat line to everyone.
func (c *Client) SendPublic(text string) error {
	return c.send(&protocol.Message{Type: protocol.TypePublicMsg, Text: text})
}

// SendPrivate sends a chat line to one identity.
func (c *Client) SendPrivate(target, text string) error {
	return c.send(&protocol.Message{Type: protocol.TypePrivateMsg, Target: target, Text: text})
}

// SendGroup sends a chat line to a group the sender belongs to.
func (c *Client) SendGroup(group, text string) error {
	return c.send(&protocol.Message{Type: protocol.TypeGroupMsg, Target: group, Text: text})
}

// SendFile relays a file to a user, a group, or everyone (target "All").
func (c *Client) SendFile(target string, isGroup bool, filename string, data []byte) error {
	return c.send(&protocol.Message{
		Type:     protocol.TypeFile,
		Target:   target,
		IsGroup:  isGroup,
		Filename: filename,
		Data:     base64.StdEncoding.EncodeToString(data),
	})
}

// SendVoice relays a recorded voice note.
func (c *Client) SendVoice(target string, isGroup bool, data []byte) error {
	return c.send(&protocol.Message{
		Type:    protocol.TypeVoiceMsg,
		Target:  target,
		IsGroup: isGroup,
		Data:    base64.StdEncoding.EncodeToString(data),
	})
}

// CreateGroup creates a group with the caller as sole member.
func (c *Client) CreateGroup(name string) error {
	return c.send(&protocol.Message{Type: protocol.TypeCreateGroup, GroupName: name})
}

// AddMember invites a currently connected user into a group.
func (c *Client) AddMember(group, member string) error {
	return c.send(&protocol.Message{Type: protocol.TypeAddMember, GroupName: group, MemberName: member})
}

// LeaveGroup removes the caller from a group.
func (c *Client) LeaveGroup(group string) error {
	return c.send(&protocol.Message{Type: protocol.TypeLeaveGroup, GroupName: group})
}

func (c *Client) readLoop(conn net.Conn) {
	reader := protocol.NewReader(conn, protocol.DefaultMaxFrame)
	for {
		frame, err := reader.Next()
		if err != nil {
			break
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		c.dispatch(msg)
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	conn.Close()
	c.calls.connectionLost()
	c.notifier.Disconnected()
}

func (c *Client) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeChat:
		c.notifier.ChatReceived(msg.From, chatID(msg), msg.Mode, msg.Text)

	case protocol.TypeFileRx:
		data, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return
		}
		c.notifier.FileReceived(msg.From, chatID(msg), msg.Mode, msg.Filename, data)

	case protocol.TypeVoiceRx:
		data, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return
		}
		c.notifier.VoiceReceived(msg.From, chatID(msg), msg.Mode, data)

	case protocol.TypeUserList:
		c.notifier.UserList(msg.Users)

	case protocol.TypeGroupList:
		c.notifier.GroupList(msg.Groups)

	case protocol.TypeServer:
		c.notifier.ServerNotice(msg.Text)

	case protocol.TypeError:
		c.notifier.ErrorNotice(msg.Text)

	case protocol.TypeVideoCallRequest:
		c.calls.handleIncoming(msg.From, protocol.CallVideo)

	case protocol.TypeAudioCallRequest:
		c.calls.handleIncoming(msg.From, protocol.CallAudio)

	case protocol.TypeCallAccepted:
		c.calls.handleAccepted(msg.From)

	case protocol.TypeCallDeclined:
		c.calls.handleDeclined(msg.From)

	case protocol.TypeCallEnded:
		c.calls.handleEnded(msg.From)

	case protocol.TypeCallFailed:
		c.calls.handleFailed(msg.Text)

	case protocol.TypeVideoStream:
		if data, err := base64.StdEncoding.DecodeString(msg.Data); err == nil {
			c.calls.handleStream(StreamVideo, data)
		}

	case protocol.TypeAudioStream:
		if data, err := base64.StdEncoding.DecodeString(msg.Data); err == nil {
			c.calls.handleStream(StreamAudio, data)
		}
	}
}

func chatID(msg *protocol.Message) string {
	if msg.ChatID == "" {
		return protocol.ModePublic
	}
	return msg.ChatID
}
