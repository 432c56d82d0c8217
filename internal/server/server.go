package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shaunagostinho/somfy-rts/internal/config"
	"github.com/shaunagostinho/somfy-rts/internal/controller"
	"github.com/shaunagostinho/somfy-rts/internal/dongle"
	"github.com/shaunagostinho/somfy-rts/internal/metrics"
)

// Server exposes the controller over HTTP and pushes its events to WebSocket
// clients.
type Server struct {
	cfg   *config.Config
	ctl   *controller.Controller
	reg   *prometheus.Registry
	webFS fs.FS
	log   *zap.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// OnConfigChange runs after a config update from the API was applied.
	OnConfigChange func(*config.Config)
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Status *controller.Status `json:"status,omitempty"`
	Blinds []controller.Blind `json:"blinds,omitempty"`
	Event  *controller.Event  `json:"event,omitempty"`
	Stamp  int64              `json:"stamp"` // Unix ms
}

// New creates a Server. reg may be nil, which disables /metrics.
func New(cfg *config.Config, ctl *controller.Controller, reg *prometheus.Registry, webFS fs.FS, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		ctl:     ctl,
		reg:     reg,
		webFS:   webFS,
		log:     log.Named("server"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	if s.reg != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.reg))
	}

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/alive", s.handleAlive)
	mux.HandleFunc("GET /api/blinds", s.handleBlinds)
	mux.HandleFunc("POST /api/blinds/rescan", s.handleRescan)
	mux.HandleFunc("GET /api/blinds/{id}", s.handleBlind)
	mux.HandleFunc("DELETE /api/blinds/{id}", s.handleRemoveBlind)
	mux.HandleFunc("POST /api/blinds/{id}/{action}", s.handleOperate)
	mux.HandleFunc("POST /api/led", s.handleLed)
	mux.HandleFunc("POST /api/dongle/{command}", s.handleMaintenance)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Server.ListenAddr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go s.pump(ctx)

	if s.cfg.Server.MDNS {
		if stop, err := advertise(s.cfg.Server.Instance, ln.Addr(), s.log); err != nil {
			s.log.Warn("mdns advertisement failed", zap.Error(err))
		} else {
			defer stop()
		}
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pump forwards controller events to every WebSocket client.
func (s *Server) pump(ctx context.Context) {
	events, cancel := s.ctl.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			st := s.ctl.Status()
			s.broadcast(Frame{Status: &st, Event: &ev, Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Info("ws client connected", zap.String("client", client.id), zap.Int("total", n))

	// Initial snapshot
	st := s.ctl.Status()
	if data, err := json.Marshal(Frame{Status: &st, Blinds: s.ctl.UsableBlinds(), Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader, only to notice the close
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Info("ws client disconnected", zap.String("client", client.id), zap.Int("total", n))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) handleAlive(w http.ResponseWriter, r *http.Request) {
	alive, err := s.ctl.Alive(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rssi": alive.RSSI, "id": alive.ID})
}

func (s *Server) handleBlinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.UsableBlinds())
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	blinds, err := s.ctl.Rescan(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blinds)
}

func (s *Server) handleBlind(w http.ResponseWriter, r *http.Request) {
	id, ok := blindParam(w, r)
	if !ok {
		return
	}
	b, err := s.ctl.Blind(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRemoveBlind(w http.ResponseWriter, r *http.Request) {
	id, ok := blindParam(w, r)
	if !ok {
		return
	}
	if err := s.ctl.RemoveBlind(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOperate(w http.ResponseWriter, r *http.Request) {
	id, ok := blindParam(w, r)
	if !ok {
		return
	}
	action, err := dongle.ParseRtsAction(r.PathValue("action"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ctl.Operate(r.Context(), id, action); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "blind": id, "action": action.String()})
}

type ledRequest struct {
	Color    string `json:"color"`
	Action   string `json:"action"`
	Duration uint16 `json:"duration"`
}

func (s *Server) handleLed(w http.ResponseWriter, r *http.Request) {
	var req ledRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	color, err := dongle.ParseLedColor(req.Color)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	action, err := dongle.ParseLedAction(req.Action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ctl.Led(r.Context(), color, action, req.Duration); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var maintenanceCommands = map[string]dongle.DongleCommand{
	"reboot":        dongle.DongleResetHW,
	"factory-reset": dongle.DongleFactoryReset,
	"bcheck":        dongle.DongleBCheck,
	"bstart":        dongle.DongleBStart,
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	cmd, ok := maintenanceCommands[r.PathValue("command")]
	if !ok {
		http.Error(w, "unknown command", http.StatusNotFound)
		return
	}
	if err := s.ctl.Maintenance(r.Context(), cmd); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		if s.OnConfigChange != nil {
			s.OnConfigChange(s.cfg)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func blindParam(w http.ResponseWriter, r *http.Request) (uint8, bool) {
	n, err := strconv.ParseUint(r.PathValue("id"), 10, 8)
	if err != nil || n == 0 {
		http.Error(w, "blind id must be 1..255", http.StatusBadRequest)
		return 0, false
	}
	return uint8(n), true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps controller and dongle failures onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	var rej *dongle.RejectedError
	switch {
	case errors.As(err, &rej):
		code = http.StatusConflict
	case errors.Is(err, controller.ErrNotConnected), errors.Is(err, controller.ErrStopped):
		code = http.StatusServiceUnavailable
	case dongle.KindOf(err) == dongle.KindUnsupported:
		code = http.StatusNotImplemented
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	default:
		s.log.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
