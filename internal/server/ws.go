package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/auricle/internal/observe"
	"github.com/MrWong99/auricle/internal/session"
)

// handleWS upgrades the connection and runs the session pipeline on it until
// the client disconnects or the server shuts down.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	if s.reg.isDraining() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		// Accept has already written the HTTP error response.
		log.Debug("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	opts := []session.Option{session.WithMetrics(s.metrics)}
	if s.enricher != nil {
		opts = append(opts, session.WithEnricher(s.enricher))
	}
	if s.decodeSem != nil {
		opts = append(opts, session.WithDecodeSemaphore(s.decodeSem))
	}

	sess, err := session.New(ctx, conn, s.stt, s.SessionConfig(), opts...)
	if err != nil {
		log.Error("session setup failed", "remote", r.RemoteAddr, "error", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	info := SessionInfo{
		ID:          sess.ID(),
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now().UTC(),
	}
	if !s.reg.add(info, cancel) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer s.reg.remove(sess.ID())

	if err := sess.Run(); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// acceptOptions builds the upgrade policy. Capture clients are browser
// extensions whose chrome-extension:// origins differ per install, so origin
// checking is off unless a deployment pins patterns explicitly.
func (s *Server) acceptOptions() *websocket.AcceptOptions {
	if len(s.origins) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: s.origins}
}
