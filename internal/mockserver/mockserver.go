// Package mockserver is a stand-in for the inference server. It accepts frames over a
// multipart POST and over a WebSocket and answers with instruction documents.
package mockserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"anchorstream/internal/types"
)

const (
	InstructionPath = "/get-ar-instructions"
	StreamPath      = "/ws"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingEvery      = (pongWait * 9) / 10
	maxUploadBytes = 32 << 20
)

// Request is one frame received by the server.
type Request struct {
	Metadata types.ImageMetadata
	Image    []byte
}

// Responder produces the reply for a frame. A status other than 200 is sent as is.
type Responder func(req Request) (status int, body []byte)

// Server holds the handlers and the connected stream clients.
type Server struct {
	upgrader  websocket.Upgrader
	logger    *zap.SugaredLogger
	responder Responder

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex

	frames   *atomic.Int64
	messages *atomic.Int64
}

func New(responder Responder, logger *zap.SugaredLogger) *Server {
	if responder == nil {
		responder = Static(types.InstructionResponse{CurrentTaskStatus: "idle"})
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:    logger,
		responder: responder,
		clients:   make(map[*websocket.Conn]*sync.Mutex),
		frames:    atomic.NewInt64(0),
		messages:  atomic.NewInt64(0),
	}
}

// Static always answers with resp.
func Static(resp types.InstructionResponse) Responder {
	payload, err := json.Marshal(resp)
	return func(Request) (int, []byte) {
		if err != nil {
			return http.StatusInternalServerError, nil
		}
		return http.StatusOK, payload
	}
}

// Sweep places every label on a horizontal line that moves with each frame, so markers
// visibly update while a client runs against the mock.
func Sweep(labels ...string) Responder {
	var n atomic.Int64
	return func(Request) (int, []byte) {
		step := n.Inc()
		objects := make([]types.DetectedObject, 0, len(labels))
		for i, label := range labels {
			u := float64((int(step)+i*7)%20) / 20
			objects = append(objects, types.DetectedObject{
				Title:       label,
				Coordinates: &types.CoordinateDoc{X: u, Y: 0.5},
			})
		}
		payload, _ := json.Marshal(types.InstructionResponse{
			CurrentTaskStatus: "tracking",
			Message:           "frame " + strconv.FormatInt(step, 10),
			Objects:           objects,
		})
		return http.StatusOK, payload
	}
}

// Handler returns the routes served by the mock.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(InstructionPath, s.handleInstructions)
	mux.HandleFunc(StreamPath, s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	s.logger.Infow("mock inference server listening", "addr", listener.Addr().String())
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Frames reports how many frames the server has answered.
func (s *Server) Frames() int64 {
	return s.frames.Load()
}

func (s *Server) handleInstructions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart body: %v", err))
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing image part")
		return
	}
	defer file.Close()
	image, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable image part")
		return
	}

	var meta types.ImageMetadata
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &meta); err != nil {
		writeError(w, http.StatusBadRequest, "invalid metadata part")
		return
	}

	status, body := s.responder(Request{Metadata: meta, Image: image})
	s.frames.Inc()
	s.logger.Debugw("frame answered", "status", status, "bytes", len(image), "request_id", r.Header.Get("X-Request-ID"))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxUploadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)

		var pending *types.ImageMetadata
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.messages.Inc()
			switch messageType {
			case websocket.TextMessage:
				var meta types.ImageMetadata
				if err := json.Unmarshal(payload, &meta); err != nil || meta.Width == 0 {
					// detection reports and free text are accepted and ignored
					pending = nil
					continue
				}
				pending = &meta
			case websocket.BinaryMessage:
				req := Request{Image: payload}
				if pending != nil {
					req.Metadata = *pending
				}
				pending = nil
				status, body := s.responder(req)
				s.frames.Inc()
				if status != http.StatusOK {
					body, _ = json.Marshal(types.ErrorResponse{Error: "Received status " + strconv.Itoa(status)})
				}
				if err := s.writeMessage(conn, writeMu, websocket.TextMessage, body); err != nil {
					return
				}
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{
		"frames":     s.frames.Load(),
		"messages":   s.messages.Load(),
		"ws_clients": s.clientCount(),
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// DropClients closes every stream connection without a close handshake.
func (s *Server) DropClients() {
	s.closeClients()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		s.removeClient(conn)
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
