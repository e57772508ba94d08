package room

import "sync"

// Attachment is the session-facing handle for one live connection.
// The gateway owns the transport; the session only references the
// attachment for fan-out and never touches the socket.
type Attachment struct {
	ID       string
	UserID   string
	Username string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeConn func()
}

// NewAttachment builds an attachment with a bounded outbound queue.
// closeConn, if non-nil, force-closes the underlying transport; the
// session uses it to evict kicked participants.
func NewAttachment(id, userID, username string, buffer int, closeConn func()) *Attachment {
	if buffer <= 0 {
		buffer = 64
	}
	return &Attachment{
		ID:        id,
		UserID:    userID,
		Username:  username,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		closeConn: closeConn,
	}
}

// Messages is the outbound queue the gateway's write pump drains.
func (a *Attachment) Messages() <-chan []byte { return a.send }

// Done is closed when the session detaches this connection. The send
// channel itself is never closed, so late pushes cannot panic.
func (a *Attachment) Done() <-chan struct{} { return a.done }

// Notify enqueues a frame from outside the session worker, best
// effort. The gateway uses it for connection-local notices.
func (a *Attachment) Notify(data []byte) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.send <- data:
		return true
	default:
		return false
	}
}

// release marks the attachment detached. Only the session calls it.
func (a *Attachment) release() {
	a.closeOnce.Do(func() { close(a.done) })
}

// push enqueues an outbound frame without ever blocking the session.
// Non-critical frames are dropped outright when the consumer is slow.
// Critical frames (timer-sync, presence) shed older queued traffic to
// make room, so a slow client still converges on authoritative state.
// Only the session goroutine calls push.
func (a *Attachment) push(data []byte, critical bool) bool {
	select {
	case a.send <- data:
		return true
	default:
	}
	if !critical {
		return false
	}
	for i := 0; i < cap(a.send); i++ {
		select {
		case <-a.send:
		default:
		}
		select {
		case a.send <- data:
			return true
		default:
		}
	}
	return false
}
