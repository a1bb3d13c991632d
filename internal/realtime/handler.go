package realtime

import (
	"log"
	"net/http"

	"coscribe/api/internal/rbac"
	"coscribe/api/internal/store"

	"github.com/gorilla/websocket"
)

// ServeWS runs the full lifecycle of one editing connection: upgrade,
// authorization, attach, message loop, detach. The caller resolves the
// user identity beforehand; authenticated is false when it could not.
func (r *Registry) ServeWS(w http.ResponseWriter, req *http.Request, documentID string, user store.User, authenticated bool) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			if r.opts.CORSOrigin == "" || r.opts.CORSOrigin == "*" {
				return true
			}
			return req.Header.Get("Origin") == r.opts.CORSOrigin
		},
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("realtime: websocket upgrade failed: %v", err)
		return
	}

	s := newSession(r, conn)
	go s.writePump()

	s.state = stateAuthorizing
	if !authenticated || user.ID == "" {
		s.send(KindAccessDenied, map[string]any{})
		s.Close()
		return
	}

	ctx := req.Context()
	right, canAccess, err := r.store.AccessRightFor(ctx, documentID, user.ID)
	if err != nil {
		log.Printf("realtime: access check for document %s failed: %v", documentID, err)
		s.send(KindAccessDenied, map[string]any{})
		s.Close()
		return
	}
	if !canAccess {
		s.send(KindAccessDenied, map[string]any{})
		s.Close()
		return
	}

	s.user = user
	s.right = rbac.Normalize(right)
	if _, err := r.Attach(ctx, documentID, s); err != nil {
		log.Printf("realtime: attach to document %s failed: %v", documentID, err)
		s.send(KindAccessDenied, map[string]any{})
		s.Close()
		return
	}
	s.state = stateAttached

	styles, err := r.catalog.Load(ctx)
	if err != nil {
		log.Printf("realtime: catalog load failed: %v", err)
	}
	s.send(KindWelcome, map[string]any{"styles": styles})

	s.readLoop()
}
