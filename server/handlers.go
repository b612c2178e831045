package server

import (
	"log"
	"time"

	"speakme/events"
	"speakme/metrics"
	"speakme/protocol"
)

// handleLogin binds the declared name to this connection, evicting a prior
// connection that held the same name. Returns the identity now bound to the
// connection.
func (s *Server) handleLogin(p *peer, prev string, msg *protocol.Message) string {
	name := msg.Name
	if name == "" {
		name = "Unknown"
	}

	if prev != "" && prev != name {
		// Повторный LOGIN на том же соединении перепривязывает имя. Если
		// старую привязку уже перехватил чужой вход, счетчик не трогаем.
		if s.registry.Unregister(prev, p) {
			metrics.DecConnections()
		}
	}

	evicted := s.registry.Register(name, p)
	if prev != name {
		metrics.IncConnections()
	}

	if evicted != nil {
		// Вытеснение завершается в отдельной горутине: зависший старый
		// клиент не должен задерживать новый вход.
		metrics.IncEviction()
		metrics.DecConnections()
		s.publish(events.KeyEvicted, events.Event{Name: "evicted", User: name, ConnID: evicted.id})
		go func(old *peer) {
			s.sendServerNotice(old, "Logged in on another device. Disconnecting...")
			time.Sleep(100 * time.Millisecond)
			old.close()
		}(evicted)
	}

	log.Printf("[NEW CONNECTION] %s connected (%s)", name, p.id)
	s.publish(events.KeyLogin, events.Event{Name: "login", User: name, ConnID: p.id})

	s.sendServerNotice(p, "Welcome, "+name+"!")
	s.broadcastUserList()
	s.sendGroupList(name)
	return name
}

// handleFrame is the relay router: given an inbound message it computes the
// destination set and forwards the payload. frame is the original encoded
// form, used for verbatim stream forwarding.
func (s *Server) handleFrame(name string, p *peer, msg *protocol.Message, frame []byte) {
	switch msg.Type {
	case protocol.TypePublicMsg:
		s.routePublic(name, msg)

	case protocol.TypePrivateMsg:
		s.routePrivate(name, msg)

	case protocol.TypeGroupMsg:
		s.routeGroupChat(name, msg.Target, msg.Text)

	case protocol.TypeFile:
		s.routeBinary(name, protocol.TypeFileRx, msg.Target, msg.IsGroup, msg.Filename, msg.Data)

	case protocol.TypeVoiceMsg:
		s.routeBinary(name, protocol.TypeVoiceRx, msg.Target, msg.IsGroup, "voice_note.wav", msg.Data)

	case protocol.TypeVideoStream, protocol.TypeAudioStream:
		s.routeStream(msg, frame)

	case protocol.TypeCreateGroup:
		s.handleCreateGroup(name, p, msg)

	case protocol.TypeAddMember:
		s.handleAddMember(name, p, msg)

	case protocol.TypeLeaveGroup:
		s.handleLeaveGroup(name, msg)

	case protocol.TypeVideoCallRequest, protocol.TypeAudioCallRequest:
		s.routeCallRequest(name, p, msg)

	case protocol.TypeCallAccepted, protocol.TypeCallDeclined, protocol.TypeCallEnded:
		s.routeCallResponse(name, msg)

	default:
		// Неизвестный тип не фатален, просто игнорируем кадр
		metrics.IncDecodeError()
	}
}

func (s *Server) routePublic(sender string, msg *protocol.Message) {
	out := &protocol.Message{
		Type: protocol.TypeChat,
		From: sender,
		Text: msg.Text,
		Mode: protocol.ModePublic,
	}
	for name, p := range s.registry.Entries() {
		if name == sender {
			continue
		}
		s.send(p, out)
	}
	metrics.IncRelayed(msg.Type)
	s.archiveChat(sender, protocol.ModePublic, protocol.ModePublic, msg.Text)
}

func (s *Server) routePrivate(sender string, msg *protocol.Message) {
	target, ok := s.registry.Lookup(msg.Target)
	if !ok {
		// Нет получателя - молча бросаем, отправителю ничего не сообщаем
		metrics.IncDropped("target_offline")
		return
	}
	s.send(target, &protocol.Message{
		Type:   protocol.TypeChat,
		From:   sender,
		Text:   msg.Text,
		Mode:   protocol.ModePrivate,
		ChatID: sender,
	})
	metrics.IncRelayed(msg.Type)
	s.archiveChat(sender, protocol.ModePrivate, msg.Target, msg.Text)
}

// routeGroupChat delivers a group chat line from sender to every registered
// member except the sender. Unknown group is a no-op. sender "System" is not
// a member of anything, so system notices reach the whole group.
func (s *Server) routeGroupChat(sender, groupName, text string) {
	members := s.groups.MembersOf(groupName)
	if members == nil {
		return
	}
	out := &protocol.Message{
		Type:   protocol.TypeChat,
		From:   sender,
		Text:   text,
		Mode:   protocol.ModeGroup,
		ChatID: groupName,
	}
	for _, member := range members {
		if member == sender {
			continue
		}
		if p, ok := s.registry.Lookup(member); ok {
			s.send(p, out)
		}
	}
	metrics.IncRelayed(protocol.TypeGroupMsg)
	if sender != "System" {
		s.archiveChat(sender, protocol.ModeGroup, groupName, text)
	}
}

// routeBinary relays a file or voice-note payload, relabeled for delivery.
// The base64 payload is forwarded as-is, never decoded.
func (s *Server) routeBinary(sender, rxType, target string, isGroup bool, filename, data string) {
	switch {
	case isGroup:
		members := s.groups.MembersOf(target)
		if members == nil {
			return
		}
		out := &protocol.Message{
			Type:     rxType,
			From:     sender,
			Filename: filename,
			Data:     data,
			Mode:     protocol.ModeGroup,
			ChatID:   target,
		}
		for _, member := range members {
			if member == sender {
				continue
			}
			if p, ok := s.registry.Lookup(member); ok {
				s.send(p, out)
			}
		}

	case target == protocol.BroadcastTarget:
		out := &protocol.Message{
			Type:     rxType,
			From:     sender,
			Filename: filename,
			Data:     data,
			Mode:     protocol.ModePublic,
			ChatID:   protocol.ModePublic,
		}
		for name, p := range s.registry.Entries() {
			if name == sender {
				continue
			}
			s.send(p, out)
		}

	default:
		p, ok := s.registry.Lookup(target)
		if !ok {
			metrics.IncDropped("target_offline")
			return
		}
		s.send(p, &protocol.Message{
			Type:     rxType,
			From:     sender,
			Filename: filename,
			Data:     data,
			Mode:     protocol.ModePrivate,
			ChatID:   sender,
		})
	}
	metrics.IncRelayed(rxType)
}

// routeStream forwards a media stream frame verbatim to its target. Missing
// target is a silent drop: streaming is lossy-tolerant and the sender gets
// no feedback.
func (s *Server) routeStream(msg *protocol.Message, frame []byte) {
	p, ok := s.registry.Lookup(msg.Target)
	if !ok {
		metrics.IncDropped("target_offline")
		return
	}
	s.forwardRaw(p, frame)
	metrics.IncRelayed(msg.Type)
}

func (s *Server) handleCreateGroup(name string, p *peer, msg *protocol.Message) {
	groupName := msg.GroupName
	if err := s.groups.Create(groupName, name); err != nil {
		s.sendError(p, "Group already exists.")
		return
	}
	metrics.SetGroups(s.groups.Len())
	s.publish(events.KeyGroupCreated, events.Event{Name: "group_created", User: name, Group: groupName})
	s.sendGroupList(name)
	s.sendServerNotice(p, "Group '"+groupName+"' created.")
}

func (s *Server) handleAddMember(name string, p *peer, msg *protocol.Message) {
	groupName := msg.GroupName
	member := msg.MemberName

	// Порядок проверок: сначала группа, потом онлайн-статус. Приглашений
	// для офлайн-пользователей нет.
	if !s.groups.Contains(groupName) {
		s.sendError(p, "Group not found.")
		return
	}
	if _, ok := s.registry.Lookup(member); !ok {
		s.sendError(p, "User not connected.")
		return
	}
	if err := s.groups.Add(groupName, member); err != nil {
		switch err {
		case ErrAlreadyMember:
			s.sendError(p, "User already in group.")
		case ErrGroupNotFound:
			s.sendError(p, "Group not found.")
		}
		return
	}

	s.sendGroupList(member)
	s.routeGroupChat("System", groupName, name+" added "+member)
}

func (s *Server) handleLeaveGroup(name string, msg *protocol.Message) {
	groupName := msg.GroupName
	if !s.groups.IsMember(groupName, name) {
		return
	}

	deleted := s.groups.Remove(groupName, name)
	metrics.SetGroups(s.groups.Len())
	s.sendGroupList(name)
	if deleted {
		s.publish(events.KeyGroupDeleted, events.Event{Name: "group_deleted", User: name, Group: groupName})
		return
	}
	s.routeGroupChat("System", groupName, name+" left the group.")
}

// routeCallRequest forwards a call request with the caller identity attached.
// Unlike streams, an offline target is reported back: call setup is a
// user-initiated action that needs feedback.
func (s *Server) routeCallRequest(name string, p *peer, msg *protocol.Message) {
	target, ok := s.registry.Lookup(msg.Target)
	if !ok {
		s.send(p, &protocol.Message{
			Type: protocol.TypeCallFailed,
			Text: msg.Target + " is not online.",
		})
		return
	}
	s.send(target, &protocol.Message{Type: msg.Type, From: name})
	metrics.IncRelayed(msg.Type)
}

// routeCallResponse forwards accept/decline/end signaling by target identity.
// The relay holds no call state and applies no causality check: a stray
// response with no pending request is forwarded anyway.
func (s *Server) routeCallResponse(name string, msg *protocol.Message) {
	target, ok := s.registry.Lookup(msg.Target)
	if !ok {
		metrics.IncDropped("target_offline")
		return
	}
	callType := msg.CallType
	if callType == "" {
		callType = protocol.CallVideo
	}
	s.send(target, &protocol.Message{
		Type:     msg.Type,
		From:     name,
		CallType: callType,
	})
	metrics.IncRelayed(msg.Type)
}

// broadcastUserList pushes the presence snapshot to every registered
// connection. Triggered by every registry mutation.
func (s *Server) broadcastUserList() {
	users := s.registry.Snapshot()
	out := &protocol.Message{Type: protocol.TypeUserList, Users: users}
	for _, p := range s.registry.Entries() {
		s.send(p, out)
	}
}

// sendGroupList pushes the filtered group listing to one identity: only the
// groups it belongs to are visible.
func (s *Server) sendGroupList(name string) {
	p, ok := s.registry.Lookup(name)
	if !ok {
		return
	}
	s.send(p, &protocol.Message{Type: protocol.TypeGroupList, Groups: s.groups.GroupsOf(name)})
}

func (s *Server) archiveChat(sender, mode, chatID, text string) {
	if s.archive == nil {
		return
	}
	if err := s.archive.SaveChat(sender, mode, chatID, text, time.Now()); err != nil {
		log.Printf("Failed to archive chat from %s: %v", sender, err)
	}
}
