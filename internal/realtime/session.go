package realtime

import (
	"log"
	"sync"
	"time"

	"coscribe/api/internal/rbac"
	"coscribe/api/internal/store"

	"github.com/gorilla/websocket"
)

// sentLogSize bounds the resend buffer; a gap wider than this forces a
// full-state resync instead of a partial replay.
const sentLogSize = 10

// outboundBuffer is the per-connection send queue depth. A slow consumer
// overflowing it has frames dropped and recovers through the resend
// protocol.
const outboundBuffer = 64

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthorizing
	stateAttached
	stateClosed
)

// transport is the slice of *websocket.Conn the session needs; tests
// substitute an in-memory implementation.
type transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type sentEnvelope struct {
	server int
	kind   Kind
	body   map[string]any
}

// Session binds one connection to one shared document. The reliable
// delivery cursors (clientSeq, serverSeq) and the resend log are per
// connection and never shared with the document state.
type Session struct {
	reg   *Registry
	conn  transport
	user  store.User
	right rbac.AccessRight
	doc   *docState
	slot  int
	state sessionState

	seqMu     sync.Mutex
	clientSeq int
	serverSeq int
	sent      []sentEnvelope

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(reg *Registry, conn transport) *Session {
	return &Session{
		reg:   reg,
		conn:  conn,
		state: stateConnecting,
		out:   make(chan []byte, outboundBuffer),
		done:  make(chan struct{}),
	}
}

// send stamps, logs and queues an outbound message. Each send advances the
// server sequence and lands in the resend buffer.
func (s *Session) send(kind Kind, body map[string]any) {
	s.seqMu.Lock()
	s.serverSeq++
	frame, err := encodeEnvelope(kind, body, s.clientSeq, s.serverSeq)
	if err != nil {
		s.seqMu.Unlock()
		log.Printf("realtime: session %d failed to encode %s: %v", s.slot, kind, err)
		return
	}
	s.sent = append(s.sent, sentEnvelope{server: s.serverSeq, kind: kind, body: body})
	if len(s.sent) > sentLogSize {
		s.sent = s.sent[len(s.sent)-sentLogSize:]
	}
	s.seqMu.Unlock()

	s.enqueue(frame)
}

// sendControl stamps with the current counters without advancing them and
// without entering the resend buffer. Used for transport control frames
// (request_resend) and replays, which must not perturb the sequence
// contract.
func (s *Session) sendControl(kind Kind, body map[string]any) {
	s.seqMu.Lock()
	frame, err := encodeEnvelope(kind, body, s.clientSeq, s.serverSeq)
	s.seqMu.Unlock()
	if err != nil {
		log.Printf("realtime: session %d failed to encode %s: %v", s.slot, kind, err)
		return
	}
	s.enqueue(frame)
}

// enqueue hands a frame to the write pump. It never blocks: a closed or
// saturated session drops the frame, and the client recovers via resend.
func (s *Session) enqueue(frame []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- frame:
	default:
		log.Printf("realtime: session %d outbound queue full, dropping frame", s.slot)
	}
}

func (s *Session) canCommunicate() bool {
	return rbac.Can(s.right, rbac.CapCommunicate)
}

// handleMessage runs the envelope sequencing contract, then dispatches.
func (s *Session) handleMessage(data []byte) {
	in, err := DecodeInbound(data)
	if err != nil {
		log.Printf("realtime: session %d dropping message: %v", s.slot, err)
		return
	}

	// Resend requests sit outside the ordering contract; a client asking
	// for replay is by definition out of sync.
	if resend, ok := in.Payload.(RequestResend); ok {
		s.resendFrom(resend.From)
		return
	}

	s.seqMu.Lock()
	clientSeq, serverSeq := s.clientSeq, s.serverSeq
	s.seqMu.Unlock()

	switch {
	case in.Client < clientSeq+1:
		// Duplicate retransmission, already processed.
		return
	case in.Client > clientSeq+1:
		// One or more client messages were lost in transit.
		s.sendControl(KindRequestResend, map[string]any{"from": clientSeq})
		return
	case in.Server < serverSeq:
		// The client has not seen everything we sent: either the two ends
		// raced or a server message was lost. Replay what it missed; a diff
		// built on that stale view is explicitly rejected.
		s.advanceClientSeq()
		s.resendFrom(in.Server)
		if diff, ok := in.Payload.(Diff); ok {
			s.send(KindRejectDiff, map[string]any{"request_id": diff.RequestID})
		}
		return
	}

	s.advanceClientSeq()
	s.dispatch(in)
}

func (s *Session) advanceClientSeq() {
	s.seqMu.Lock()
	s.clientSeq++
	s.seqMu.Unlock()
}

// dispatch routes a validated message, gated by the session's capability.
// Disallowed operations are discarded without a reply.
func (s *Session) dispatch(in Inbound) {
	switch p := in.Payload.(type) {
	case GetDocument:
		s.doc.SendSnapshot(s)
	case ParticipantUpdate:
		if !s.canCommunicate() {
			s.logDenied(in.Kind)
			return
		}
		s.doc.BroadcastParticipants()
	case Chat:
		if !s.canCommunicate() {
			s.logDenied(in.Kind)
			return
		}
		s.doc.BroadcastChat(s, p)
	case SelectionChange:
		s.doc.RelaySelection(s, in)
	case CheckDiffVersion:
		s.doc.CheckDiffVersion(s, p)
	case UpdateDoc:
		if !rbac.Can(s.right, rbac.CapUpdateDocument) {
			s.logDenied(in.Kind)
			return
		}
		s.doc.ApplyDocUpdate(s, p)
	case UpdateTitle:
		if !rbac.Can(s.right, rbac.CapUpdateDocument) {
			s.logDenied(in.Kind)
			return
		}
		s.doc.ApplyTitleUpdate(s, p)
	case Diff:
		if !rbac.Can(s.right, rbac.CapSubmitDiff) {
			s.logDenied(in.Kind)
			return
		}
		s.doc.HandleDiff(s, in)
	case RequestResend:
		// Handled before sequencing.
	}
}

func (s *Session) logDenied(kind Kind) {
	log.Printf("realtime: session %d with right %s denied %s", s.slot, s.right, kind)
}

// resendFrom replays every message sent after the given server sequence,
// re-stamped with the current client counter. A request reaching past the
// resend buffer falls back to a full snapshot.
func (s *Session) resendFrom(from int) {
	s.seqMu.Lock()
	toSend := s.serverSeq - from
	if toSend <= 0 {
		s.seqMu.Unlock()
		return
	}
	if toSend > len(s.sent) {
		s.seqMu.Unlock()
		if s.doc != nil {
			s.doc.SendSnapshot(s)
		}
		return
	}
	clientSeq := s.clientSeq
	replay := make([]sentEnvelope, toSend)
	copy(replay, s.sent[len(s.sent)-toSend:])
	s.seqMu.Unlock()

	for _, entry := range replay {
		frame, err := encodeEnvelope(entry.kind, entry.body, clientSeq, entry.server)
		if err != nil {
			log.Printf("realtime: session %d failed to re-encode %s: %v", s.slot, entry.kind, err)
			continue
		}
		s.enqueue(frame)
	}
}

// readLoop consumes the connection until it errors, then tears the session
// down. Detaching happens before the function returns, so no broadcast can
// target a closed session afterwards.
func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleMessage(data)
	}
	s.Close()
}

// writePump is the single writer on the connection. On shutdown it drains
// whatever is queued, then closes the transport.
func (s *Session) writePump() {
	defer s.conn.Close()
	for {
		select {
		case frame := <-s.out:
			if !s.writeFrame(frame) {
				s.Close()
				return
			}
		case <-s.done:
			for {
				select {
				case frame := <-s.out:
					if !s.writeFrame(frame) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) writeFrame(frame []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.reg.opts.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Printf("realtime: session %d write failed: %v", s.slot, err)
		return false
	}
	return true
}

// Close detaches the session from its document and stops the pumps. Safe
// to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state = stateClosed
		close(s.done)
		if s.doc != nil {
			s.doc.detach(s)
		}
	})
}
