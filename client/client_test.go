package client

import (
	"bufio"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"speakme/protocol"
)

// notifyEvent is one recorded Notifier callback.
type notifyEvent struct {
	kind     string
	from     string
	chatID   string
	mode     string
	text     string
	filename string
	data     []byte
	list     []string
}

// chanNotifier пересылает обратные вызовы в канал: колбэки приходят из
// горутины чтения, тестам нужна синхронизация
type chanNotifier struct {
	events chan notifyEvent
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{events: make(chan notifyEvent, 32)}
}

func (n *chanNotifier) ChatReceived(from, chatID, mode, text string) {
	n.events <- notifyEvent{kind: "chat", from: from, chatID: chatID, mode: mode, text: text}
}

func (n *chanNotifier) FileReceived(from, chatID, mode, filename string, data []byte) {
	n.events <- notifyEvent{kind: "file", from: from, chatID: chatID, mode: mode, filename: filename, data: data}
}

func (n *chanNotifier) VoiceReceived(from, chatID, mode string, data []byte) {
	n.events <- notifyEvent{kind: "voice", from: from, chatID: chatID, mode: mode, data: data}
}

func (n *chanNotifier) UserList(users []string) { n.events <- notifyEvent{kind: "users", list: users} }
func (n *chanNotifier) GroupList(groups []string) { n.events <- notifyEvent{kind: "groups", list: groups} }
func (n *chanNotifier) ServerNotice(text string) { n.events <- notifyEvent{kind: "server", text: text} }
func (n *chanNotifier) ErrorNotice(text string) { n.events <- notifyEvent{kind: "error", text: text} }

func (n *chanNotifier) CallIncoming(from, callType string) {
	n.events <- notifyEvent{kind: "call_incoming", from: from, mode: callType}
}

func (n *chanNotifier) CallStarted(peer, callType string) {
	n.events <- notifyEvent{kind: "call_started", from: peer, mode: callType}
}

func (n *chanNotifier) CallEnded(peer, reason string) {
	n.events <- notifyEvent{kind: "call_ended", from: peer, text: reason}
}

func (n *chanNotifier) Disconnected() { n.events <- notifyEvent{kind: "disconnected"} }

func (n *chanNotifier) next(t *testing.T) notifyEvent {
	t.Helper()
	select {
	case ev := <-n.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for notifier callback")
		return notifyEvent{}
	}
}

// fakeRelay is a scripted server: one loopback listener, one accepted
// connection.
type fakeRelay struct {
	listener net.Listener
	conn     net.Conn
	reader   *bufio.Reader
}

func startFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	return &fakeRelay{listener: listener}
}

func (r *fakeRelay) addr() string { return r.listener.Addr().String() }

func (r *fakeRelay) accept(t *testing.T) {
	t.Helper()
	conn, err := r.listener.Accept()
	require.NoError(t, err)
	r.conn = conn
	r.reader = bufio.NewReader(conn)
}

func (r *fakeRelay) readMsg(t *testing.T) *protocol.Message {
	t.Helper()
	r.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := r.reader.ReadString('\n')
	require.NoError(t, err)
	msg, err := protocol.Decode([]byte(strings.TrimSpace(line)))
	require.NoError(t, err)
	return msg
}

func (r *fakeRelay) sendMsg(t *testing.T, msg *protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	_, err = r.conn.Write(frame)
	require.NoError(t, err)
}

func dialFixture(t *testing.T) (*Client, *chanNotifier, *fakeRelay) {
	t.Helper()
	relay := startFakeRelay(t)
	notifier := newChanNotifier()
	c := New(notifier, &fakeMedia{})

	require.NoError(t, c.Connect(relay.addr(), "alice"))
	t.Cleanup(func() { c.Disconnect() })
	relay.accept(t)

	login := relay.readMsg(t)
	require.Equal(t, protocol.TypeLogin, login.Type)
	require.Equal(t, "alice", login.Name)
	return c, notifier, relay
}

func TestClientConnectSendsLogin(t *testing.T) {
	c, _, _ := dialFixture(t)
	require.True(t, c.IsConnected())
	require.Equal(t, "alice", c.Name())
}

func TestClientDispatchChat(t *testing.T) {
	_, notifier, relay := dialFixture(t)

	relay.sendMsg(t, &protocol.Message{
		Type: protocol.TypeChat,
		From: "bob",
		Text: "hi",
		Mode: protocol.ModePublic,
	})

	ev := notifier.next(t)
	require.Equal(t, "chat", ev.kind)
	require.Equal(t, "bob", ev.from)
	require.Equal(t, "hi", ev.text)
	// Без chat_id сообщение относится к общему чату
	require.Equal(t, protocol.ModePublic, ev.chatID)
}

func TestClientDispatchFile(t *testing.T) {
	_, notifier, relay := dialFixture(t)

	relay.sendMsg(t, &protocol.Message{
		Type:     protocol.TypeFileRx,
		From:     "bob",
		Filename: "notes.txt",
		Data:     base64.StdEncoding.EncodeToString([]byte("hello")),
		Mode:     protocol.ModePrivate,
		ChatID:   "bob",
	})

	ev := notifier.next(t)
	require.Equal(t, "file", ev.kind)
	require.Equal(t, "notes.txt", ev.filename)
	require.Equal(t, []byte("hello"), ev.data)
	require.Equal(t, "bob", ev.chatID)
}

func TestClientDispatchVoice(t *testing.T) {
	_, notifier, relay := dialFixture(t)

	relay.sendMsg(t, &protocol.Message{
		Type:   protocol.TypeVoiceRx,
		From:   "bob",
		Data:   base64.StdEncoding.EncodeToString([]byte("pcm")),
		Mode:   protocol.ModePublic,
		ChatID: protocol.ModePublic,
	})

	ev := notifier.next(t)
	require.Equal(t, "voice", ev.kind)
	require.Equal(t, []byte("pcm"), ev.data)
}

func TestClientDispatchLists(t *testing.T) {
	_, notifier, relay := dialFixture(t)

	relay.sendMsg(t, &protocol.Message{Type: protocol.TypeUserList, Users: []string{"alice", "bob"}})
	ev := notifier.next(t)
	require.Equal(t, "users", ev.kind)
	require.Equal(t, []string{"alice", "bob"}, ev.list)

	relay.sendMsg(t, &protocol.Message{Type: protocol.TypeGroupList, Groups: []string{"G"}})
	ev = notifier.next(t)
	require.Equal(t, "groups", ev.kind)
	require.Equal(t, []string{"G"}, ev.list)
}

func TestClientDispatchNotices(t *testing.T) {
	_, notifier, relay := dialFixture(t)

	relay.sendMsg(t, &protocol.Message{Type: protocol.TypeServer, Text: "Welcome, alice!"})
	ev := notifier.next(t)
	require.Equal(t, "server", ev.kind)
	require.Equal(t, "Welcome, alice!", ev.text)

	relay.sendMsg(t, &protocol.Message{Type: protocol.TypeError, Text: "Group not found."})
	ev = notifier.next(t)
	require.Equal(t, "error", ev.kind)
}

func TestClientIncomingCall(t *testing.T) {
	c, notifier, relay := dialFixture(t)

	relay.sendMsg(t, &protocol.Message{Type: protocol.TypeAudioCallRequest, From: "bob"})

	ev := notifier.next(t)
	require.Equal(t, "call_incoming", ev.kind)
	require.Equal(t, "bob", ev.from)
	require.Equal(t, protocol.CallAudio, ev.mode)

	state, peer, _ := c.Calls().State()
	require.Equal(t, CallRingingCallee, state)
	require.Equal(t, "bob", peer)
}

func TestClientSendHelpers(t *testing.T) {
	c, _, relay := dialFixture(t)

	require.NoError(t, c.SendPublic("hi"))
	msg := relay.readMsg(t)
	require.Equal(t, protocol.TypePublicMsg, msg.Type)
	require.Equal(t, "hi", msg.Text)

	require.NoError(t, c.SendPrivate("bob", "psst"))
	msg = relay.readMsg(t)
	require.Equal(t, protocol.TypePrivateMsg, msg.Type)
	require.Equal(t, "bob", msg.Target)

	require.NoError(t, c.SendGroup("G", "x"))
	msg = relay.readMsg(t)
	require.Equal(t, protocol.TypeGroupMsg, msg.Type)
	require.Equal(t, "G", msg.Target)

	require.NoError(t, c.SendFile("bob", false, "notes.txt", []byte("hello")))
	msg = relay.readMsg(t)
	require.Equal(t, protocol.TypeFile, msg.Type)
	require.Equal(t, "notes.txt", msg.Filename)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello")), msg.Data)
	require.False(t, msg.IsGroup)

	require.NoError(t, c.SendVoice(protocol.BroadcastTarget, false, []byte("pcm")))
	msg = relay.readMsg(t)
	require.Equal(t, protocol.TypeVoiceMsg, msg.Type)
	require.Equal(t, protocol.BroadcastTarget, msg.Target)

	require.NoError(t, c.CreateGroup("G"))
	msg = relay.readMsg(t)
	require.Equal(t, protocol.TypeCreateGroup, msg.Type)
	require.Equal(t, "G", msg.GroupName)

	require.NoError(t, c.AddMember("G", "bob"))
	msg = relay.readMsg(t)
	require.Equal(t, protocol.TypeAddMember, msg.Type)
	require.Equal(t, "G", msg.GroupName)
	require.Equal(t, "bob", msg.MemberName)

	require.NoError(t, c.LeaveGroup("G"))
	msg = relay.readMsg(t)
	require.Equal(t, protocol.TypeLeaveGroup, msg.Type)
}

func TestClientSendBeforeConnect(t *testing.T) {
	c := New(newChanNotifier(), nil)

	// Любая отправка до подключения возвращает ошибку, а не падает
	require.ErrorIs(t, c.SendPublic("hello"), ErrNotConnected)
	require.ErrorIs(t, c.SendPrivate("bob", "psst"), ErrNotConnected)
	require.ErrorIs(t, c.CreateGroup("G"), ErrNotConnected)
	require.ErrorIs(t, c.SendFile("bob", false, "notes.txt", []byte("x")), ErrNotConnected)
	require.ErrorIs(t, c.Calls().Initiate("bob", protocol.CallVideo), ErrNotConnected)

	// Сорвавшийся запрос не оставляет машину звонка в звонящем состоянии
	state, _, _ := c.Calls().State()
	require.Equal(t, CallIdle, state)
}

func TestClientSendAfterDisconnect(t *testing.T) {
	c, notifier, _ := dialFixture(t)

	require.NoError(t, c.Disconnect())
	ev := notifier.next(t)
	require.Equal(t, "disconnected", ev.kind)

	require.ErrorIs(t, c.SendPublic("hello"), ErrNotConnected)
}

func TestClientServerCloseTearsDown(t *testing.T) {
	c, notifier, relay := dialFixture(t)

	// Активный звонок в момент обрыва
	require.NoError(t, c.Calls().Initiate("bob", protocol.CallVideo))
	req := relay.readMsg(t)
	require.Equal(t, protocol.TypeVideoCallRequest, req.Type)

	relay.conn.Close()

	sawEnded, sawDisconnected := false, false
	for i := 0; i < 2; i++ {
		switch ev := notifier.next(t); ev.kind {
		case "call_ended":
			sawEnded = true
			require.Equal(t, "connection lost", ev.text)
		case "disconnected":
			sawDisconnected = true
		}
	}
	require.True(t, sawEnded)
	require.True(t, sawDisconnected)
	require.False(t, c.IsConnected())
}
