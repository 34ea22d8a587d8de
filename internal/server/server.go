package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/6ilo/plotter/internal/plotter"
	"github.com/6ilo/plotter/internal/protocol"
)

// Server is the observer boundary: it bridges the connection manager's
// event fan-out to any number of WebSocket clients and exposes the
// host-facing HTTP API.
type Server struct {
	cfg      *Config
	mgr      *plotter.Manager
	settings *SettingsStore
	webFS    fs.FS

	upgrader websocket.Upgrader
}

// New creates a new Server.
func New(cfg *Config, mgr *plotter.Manager, settings *SettingsStore, webFS fs.FS) *Server {
	return &Server{
		cfg:      cfg,
		mgr:      mgr,
		settings: settings,
		webFS:    webFS,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and the default-profile pusher and blocks
// until ctx is done or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	// Embedded web UI
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	// WebSocket push channel
	mux.HandleFunc("/ws", s.handleWS)

	// HTTP API
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/profiles", s.handleProfiles)
	mux.HandleFunc("/api/log.csv", s.handleLogExport)

	go s.pushDefaultProfile(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

// pushDefaultProfile sends the stored default speed profile to the
// device each time a connection comes up, so the active profile always
// reflects the settings store.
func (s *Server) pushDefaultProfile(ctx context.Context) {
	sub := s.mgr.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.C:
			if !ok {
				return
			}
			if u.Status == nil || !u.Status.Connected {
				continue
			}
			p, ok := s.settings.Default()
			if !ok {
				continue
			}
			cmd := protocol.Speed{
				AngularMax: p.AngularMax, AngularAccel: p.AngularAccel,
				RadialMax: p.RadialMax, RadialAccel: p.RadialAccel,
			}
			if err := s.mgr.SendCommand(cmd); err != nil {
				log.Printf("[server] default profile push failed: %v", err)
			}
		}
	}
}

// wsRequest is a client -> host message on the WebSocket.
type wsRequest struct {
	Action string `json:"action"` // "connect", "disconnect", "send", "ports", "clearlog"

	// connect
	Path     string `json:"path,omitempty"`
	BaudRate int    `json:"baudRate,omitempty"`

	// send
	Name         string  `json:"name,omitempty"` // command name, e.g. "move"
	Angle        float64 `json:"angle,omitempty"`
	Radius       float64 `json:"radius,omitempty"`
	Value        float64 `json:"value,omitempty"`
	AngularMax   float64 `json:"angularMax,omitempty"`
	AngularAccel float64 `json:"angularAccel,omitempty"`
	RadialMax    float64 `json:"radialMax,omitempty"`
	RadialAccel  float64 `json:"radialAccel,omitempty"`
	Text         string  `json:"text,omitempty"`
}

// buildCommand maps a send request onto a typed protocol command.
func buildCommand(req wsRequest) (protocol.Command, error) {
	switch req.Name {
	case "move":
		return protocol.Move{Angle: req.Angle, Radius: req.Radius}, nil
	case "draw":
		return protocol.Draw{}, nil
	case "square":
		return protocol.Square{}, nil
	case "area":
		return protocol.Area{}, nil
	case "setx":
		return protocol.SetX{Value: req.Value}, nil
	case "sety":
		return protocol.SetY{Value: req.Value}, nil
	case "status":
		return protocol.Status{}, nil
	case "test":
		return protocol.Test{}, nil
	case "speed":
		return protocol.Speed{
			AngularMax: req.AngularMax, AngularAccel: req.AngularAccel,
			RadialMax: req.RadialMax, RadialAccel: req.RadialAccel,
		}, nil
	case "home":
		return protocol.Home{}, nil
	case "estop":
		return protocol.EmergencyStop{}, nil
	case "reset":
		return protocol.Reset{}, nil
	case "raw":
		return protocol.Raw{Text: req.Text}, nil
	}
	return nil, fmt.Errorf("unknown command %q", req.Name)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	sub := s.mgr.Subscribe()
	log.Printf("[ws] observer connected (%d total)", s.mgr.Bus().Count())

	// Writer: initial snapshot, then the subscription stream.
	go func() {
		defer conn.Close()

		status := s.mgr.Status()
		state := s.mgr.State()
		pos := s.mgr.Position()
		initial := plotter.Update{
			Status:   &status,
			State:    &state,
			Position: &pos,
			Stamp:    time.Now().UnixMilli(),
		}
		if data, err := json.Marshal(initial); err == nil {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}

		for u := range sub.C {
			data, err := json.Marshal(u)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	// Reader: client requests until the socket drops.
	go func() {
		defer func() {
			sub.Close()
			log.Printf("[ws] observer disconnected (%d total)", s.mgr.Bus().Count())
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wsRequest
			if err := json.Unmarshal(data, &req); err != nil {
				log.Printf("[ws] bad request: %v", err)
				continue
			}
			s.dispatch(req)
		}
	}()
}

// dispatch runs one observer request. Failures surface as log events on
// the bus, so every observer sees them.
func (s *Server) dispatch(req wsRequest) {
	switch req.Action {
	case "connect":
		// Connect suspends until open completes or times out; don't
		// stall the read pump.
		go s.mgr.Connect(req.Path, req.BaudRate)
	case "disconnect":
		s.mgr.Disconnect()
	case "ports":
		s.mgr.ListPorts()
	case "send":
		cmd, err := buildCommand(req)
		if err != nil {
			log.Printf("[ws] %v", err)
			return
		}
		if err := s.mgr.SendCommand(cmd); err != nil {
			log.Printf("[ws] send failed: %v", err)
		}
	case "clearlog":
		s.mgr.Log().Clear()
	default:
		log.Printf("[ws] unknown action %q", req.Action)
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports := s.mgr.ListPorts()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ports)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req struct {
		Path     string `json:"path"`
		BaudRate int    `json:"baudRate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "bad request", 400)
		return
	}
	if err := s.mgr.Connect(req.Path, req.BaudRate); err != nil {
		http.Error(w, err.Error(), 502)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.mgr.Disconnect()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req wsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	cmd, err := buildCommand(req)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.mgr.SendCommand(cmd); err != nil {
		http.Error(w, err.Error(), 409)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
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
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.settings.List())

	case http.MethodPost:
		var p NamedProfile
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.settings.Upsert(p); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	case http.MethodDelete:
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "name required", 400)
			return
		}
		if err := s.settings.Delete(name); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleLogExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="plotter-session.csv"`)
	if err := s.mgr.Log().WriteCSV(w); err != nil {
		log.Printf("[server] log export failed: %v", err)
	}
}
