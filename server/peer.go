package server

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// peer wraps one client connection. All outbound traffic goes through a
// single writer goroutine draining out, so writes from concurrent relay
// handlers are never interleaved and never block the sending handler.
type peer struct {
	id           string
	conn         net.Conn
	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func newPeer(conn net.Conn, queueSize int, writeTimeout time.Duration) *peer {
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &peer{
		id:           uuid.NewString(),
		conn:         conn,
		out:          make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	go p.writeLoop()
	return p
}

func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if _, err := p.conn.Write(frame); err != nil {
				log.Printf("Error writing to connection %s: %v", p.id, err)
				p.close()
				return
			}
		}
	}
}

// enqueue hands a frame to the writer goroutine. It never blocks: a slow
// receiver with a full queue loses the frame instead of stalling senders.
// The frame must not be modified after the call.
func (p *peer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	case p.out <- frame:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}
