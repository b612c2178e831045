package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"speakme/db"
	"speakme/events"
	"speakme/metrics"
	"speakme/protocol"
)

type Server struct {
	config   *Config
	registry *Registry
	groups   *Groups
	archive  *db.Archive // nil когда архив не настроен
	events   events.Publisher
	listener net.Listener
}

type Config struct {
	Port         int
	WriteTimeout time.Duration
	MaxFrameSize int
	QueueSize    int
}

func New(config *Config, archive *db.Archive, publisher events.Publisher) *Server {
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if publisher == nil {
		publisher = events.NewPublisher("", "")
	}

	return &Server{
		config:   config,
		registry: newRegistry(),
		groups:   newGroups(),
		archive:  archive,
		events:   publisher,
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	s.listener = listener
	defer listener.Close()

	log.Printf("Speak-Me relay started on port %d", s.config.Port)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			log.Printf("Error accepting connection: %v", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	log.Printf("New client connected from %s", remoteAddr)

	p := newPeer(conn, s.config.QueueSize, s.config.WriteTimeout)
	name := ""

	defer func() {
		p.close()
		// Чистим привязку, только если она всё ещё указывает на это
		// соединение: вытесненный вход не должен сносить своего преемника.
		if name != "" && s.registry.Unregister(name, p) {
			metrics.DecConnections()
			s.broadcastUserList()
			s.publish(events.KeyDisconnect, events.Event{Name: "disconnect", User: name, ConnID: p.id})
			log.Printf("Client %s disconnected from %s", name, remoteAddr)
		} else if name == "" {
			log.Printf("Client disconnected from %s", remoteAddr)
		}
	}()

	reader := protocol.NewReader(conn, s.config.MaxFrameSize)
	for {
		frame, err := reader.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				log.Printf("Oversized frame from %s, closing connection", remoteAddr)
			} else if err != io.EOF && !strings.Contains(err.Error(), "use of closed network connection") {
				log.Printf("Error reading from %s: %v", remoteAddr, err)
			}
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			// Один битый кадр не повод рвать соединение: молча бросаем
			// кадр и продолжаем читать.
			metrics.IncDecodeError()
			continue
		}

		if msg.Type == protocol.TypeLogin {
			name = s.handleLogin(p, name, msg)
			continue
		}
		if name == "" {
			// До логина принимаем только LOGIN
			continue
		}

		s.handleFrame(name, p, msg, frame)
	}
}

// send encodes msg and queues it for delivery to p.
func (s *Server) send(p *peer, msg *protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("Error encoding %s frame: %v", msg.Type, err)
		return
	}
	if !p.enqueue(frame) {
		metrics.IncDropped("queue_full")
	}
}

// forwardRaw queues an inbound frame for delivery verbatim, without
// re-encoding its payload. The frame is copied because the reader reuses
// its buffer.
func (s *Server) forwardRaw(p *peer, frame []byte) {
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if !p.enqueue(buf) {
		metrics.IncDropped("queue_full")
	}
}

func (s *Server) sendServerNotice(p *peer, text string) {
	s.send(p, &protocol.Message{Type: protocol.TypeServer, Text: text})
}

func (s *Server) sendError(p *peer, text string) {
	s.send(p, &protocol.Message{Type: protocol.TypeError, Text: text})
}

func (s *Server) publish(key string, event events.Event) {
	event.At = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.events.Publish(ctx, key, event)
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	users := s.registry.Snapshot()
	return "connections=" + strconv.Itoa(len(users)) +
		",groups=" + strconv.Itoa(s.groups.Len()) +
		",users=" + strings.Join(users, ";")
}

// Shutdown notifies every connected client, then closes all connections and
// the listener. reason is included in the notice.
func (s *Server) Shutdown(reason string) {
	if s.listener != nil {
		s.listener.Close()
	}

	entries := s.registry.Entries()
	for _, p := range entries {
		s.sendServerNotice(p, "Server shutting down: "+reason)
	}

	// Даем писателям время слить уведомления перед закрытием
	time.Sleep(100 * time.Millisecond)

	for name, p := range entries {
		s.registry.Unregister(name, p)
		p.close()
	}
}
