package wsrelay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Session represents one client/upstream pairing. The session owns both
// connection handles exclusively for its lifetime. The upstream handle
// has a single writer (the client-to-upstream pump); writes to the
// client handle are serialized by clientWrite, because the error sender
// in runSession can fire while the upstream-to-client pump is still
// mid-frame.
type Session struct {
	// ID is an opaque identifier used for logging and lookup.
	ID string

	// Identity is the authenticated principal this session belongs to.
	Identity string

	// CreatedAt is set once at creation and never changes.
	CreatedAt time.Time

	// messageCount counts client-to-upstream text frames. Binary frames
	// are audio, not application messages, and are not counted.
	messageCount atomic.Int64

	stop      *stopper
	closeOnce sync.Once

	// clientWrite serializes WriteMessage calls on the client handle.
	// Control frames (pings, close) do not need it.
	clientWrite sync.Mutex

	m        sync.Mutex
	client   *websocket.Conn
	upstream *websocket.Conn
}

// AttachClient hands the inbound connection handle to the session.
// Reports false if the session was already closed, in which case the
// caller keeps ownership of the handle.
func (s *Session) AttachClient(conn *websocket.Conn) bool {
	return s.attach(&s.client, conn)
}

// AttachUpstream hands the upstream connection handle to the session
// once the handshake has succeeded. Reports false if the session was
// already closed (for example by the janitor during a slow handshake).
func (s *Session) AttachUpstream(conn *websocket.Conn) bool {
	return s.attach(&s.upstream, conn)
}

func (s *Session) attach(slot **websocket.Conn, conn *websocket.Conn) bool {
	s.m.Lock()
	defer s.m.Unlock()
	if s.stop.isStopped() {
		return false
	}
	*slot = conn
	return true
}

// MessageCount reports the number of text frames forwarded from the
// client to the upstream so far.
func (s *Session) MessageCount() int64 {
	return s.messageCount.Load()
}

// Close stops the session's pumps and closes both connection handles.
// Idempotent: concurrent calls close each handle at most once. Closing
// the handles is what wakes a pump blocked in a read, so cancellation
// completes within the transport's read/write deadlines.
func (s *Session) Close() {
	s.stop.stop()
	s.closeOnce.Do(func() {
		s.m.Lock()
		client, upstream := s.client, s.upstream
		s.m.Unlock()
		if client != nil {
			_ = client.Close()
		}
		if upstream != nil {
			_ = upstream.Close()
		}
	})
}

// writeClient forwards one frame to the client handle under the write
// lock shared with sendErrorPayload.
func (s *Session) writeClient(messageType int, data []byte) error {
	s.clientWrite.Lock()
	defer s.clientWrite.Unlock()
	return s.client.WriteMessage(messageType, data)
}

// writeUpstream forwards one frame to the upstream handle. The
// client-to-upstream pump is the only writer there, so no lock.
func (s *Session) writeUpstream(messageType int, data []byte) error {
	return s.upstream.WriteMessage(messageType, data)
}

// runSession drives a session's Streaming state: two forwarding pumps
// and a liveness pinger. It blocks until either side closes or errors,
// cancels the sibling pump, awaits both, and removes the session from
// the registry exactly once.
func (p *Relay) runSession(s *Session) {
	var wg sync.WaitGroup
	var clientErr, upstreamErr atomic.Value

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer s.stop.stop()
		if err := s.pump(s.client, s.writeUpstream, true); err != nil {
			clientErr.Store(err)
		}
	}()
	go func() {
		defer wg.Done()
		defer s.stop.stop()
		if err := s.pump(s.upstream, s.writeClient, false); err != nil {
			upstreamErr.Store(err)
		}
	}()

	go p.pingLoop(s)

	// wait for the first pump to terminate; the sibling may still be
	// running, so anything sent to the client below must take the
	// client write lock
	s.stop.wait()

	// best-effort structured error to the client before the handles go
	// away; failure to send is swallowed
	if err, ok := clientErr.Load().(error); ok {
		p.logerrorf(s.ID, "", "client pump failed: %v", err)
		p.sendErrorPayload(s, err.Error())
	}
	if err, ok := upstreamErr.Load().(error); ok {
		p.logerrorf(s.ID, "", "upstream pump failed: %v", err)
		p.sendErrorPayload(s, err.Error())
	}

	s.Close()
	wg.Wait()

	p.registry.Destroy(s.ID)
	p.logf(s.ID, "", "session closed: identity=%s messages=%d", s.Identity, s.MessageCount())
}

// pump forwards frames from src until src closes or a send fails. Text
// and binary frames are forwarded verbatim in arrival order; countText
// additionally counts text frames into messageCount. A normal peer
// closure returns nil; anything else is a transport error.
func (s *Session) pump(src *websocket.Conn, write func(int, []byte) error, countText bool) error {
	for {
		mtype, data, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) && !s.stop.isStopped() {
				return err
			}
			return nil
		}

		if mtype != websocket.TextMessage && mtype != websocket.BinaryMessage {
			continue
		}

		if err := write(mtype, data); err != nil {
			if s.stop.isStopped() {
				return nil
			}
			return err
		}
		if countText && mtype == websocket.TextMessage {
			s.messageCount.Add(1)
		}

		if s.stop.isStopped() {
			return nil
		}
	}
}

// pingLoop probes both peers for liveness. Pong handling extends the
// read deadlines (see ServeHTTP and the upstream connector); a peer that
// stops answering trips its read deadline, which terminates that pump
// and tears the session down. WriteControl may be called concurrently
// with the pumps' writes.
func (p *Relay) pingLoop(s *Session) {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(p.pingTimeout)
			s.m.Lock()
			client, upstream := s.client, s.upstream
			s.m.Unlock()
			if client != nil {
				_ = client.WriteControl(websocket.PingMessage, nil, deadline)
			}
			if upstream != nil {
				_ = upstream.WriteControl(websocket.PingMessage, nil, deadline)
			}
		case <-s.stop.done():
			return
		}
	}
}

// errorPayload is the structured error sent to the client before an
// abnormal close.
type errorPayload struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// sendErrorPayload makes a best-effort attempt to deliver a structured
// error message to the session's client. Holds the client write lock so
// it never interleaves with a pump mid-frame. Failures are swallowed:
// the connection is about to be torn down anyway.
func (p *Relay) sendErrorPayload(s *Session, msg string) {
	if s.client == nil {
		return
	}
	b, err := json.Marshal(errorPayload{Type: "error", Error: msg})
	if err != nil {
		return
	}
	s.clientWrite.Lock()
	defer s.clientWrite.Unlock()
	_ = s.client.SetWriteDeadline(time.Now().Add(p.pingTimeout))
	_ = s.client.WriteMessage(websocket.TextMessage, b)
}
