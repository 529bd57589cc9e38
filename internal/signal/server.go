package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/beam/internal/logger"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

type peerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peerConn) write(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(msg)
}

type Server struct {
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*peerConn
}

func NewServer(log *logrus.Logger) *Server {
	if log == nil {
		log = logger.NewLogger()
	}
	return &Server{
		logger: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[string]*peerConn),
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{id}", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Signalling relay listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Peers returns the connected ids, sorted.
func (s *Server) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Peers())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, "id cannot be empty", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	_, taken := s.peers[id]
	s.mu.RUnlock()
	if taken {
		http.Error(w, "duplicated id", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Failed to upgrade %s: %v", id, err)
		return
	}

	peer := &peerConn{conn: conn}
	s.mu.Lock()
	if _, taken := s.peers[id]; taken {
		s.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicated id"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	s.peers[id] = peer
	s.mu.Unlock()

	s.logger.Infof("Peer %s connected", id)
	s.relay(id, peer)
}

func (s *Server) relay(id string, peer *peerConn) {
	defer func() {
		s.mu.Lock()
		if s.peers[id] == peer {
			delete(s.peers, id)
		}
		s.mu.Unlock()
		_ = peer.conn.Close()
		s.logger.Infof("Peer %s disconnected", id)
	}()

	for {
		var msg Message
		if err := peer.conn.ReadJSON(&msg); err != nil {
			s.logger.Debugf("Relay read from %s ended: %v", id, err)
			return
		}

		msg.From = id
		s.mu.RLock()
		target, ok := s.peers[msg.To]
		s.mu.RUnlock()

		if !ok {
			_ = peer.write(Message{From: msg.To, Error: ErrPeerUnavailable.Error()})
			continue
		}
		if err := target.write(msg); err != nil {
			s.logger.Warnf("Error relaying %s -> %s: %v", id, msg.To, err)
			_ = peer.write(Message{From: msg.To, Error: err.Error()})
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		_ = p.conn.Close()
	}
}
