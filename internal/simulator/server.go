package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/go_func_utils"
)

// PeripheralState is the inspection view of one simulated peripheral
type PeripheralState struct {
	Address   string   `json:"address"`
	Name      string   `json:"name"`
	Profiles  []string `json:"profiles"`
	Connected bool     `json:"connected"`
	Metrics   Metrics  `json:"metrics"`
	Control   string   `json:"control,omitempty"`
	Target    *int16   `json:"targetPower,omitempty"`
}

func (p *Peripheral) State() PeripheralState {
	state := PeripheralState{
		Address:   p.Address(),
		Name:      p.Name(),
		Profiles:  p.cfg.Profiles,
		Connected: p.mock.IsConnected(),
		Metrics:   p.Metrics(),
	}
	if p.control != nil {
		session := p.control.Session()
		state.Control = session.String()
		if session.HasTarget && session.Mode == ftms.ModeERG {
			target := session.TargetPower
			state.Target = &target
		}
	}
	return state
}

// LiveCommand is a rider input sent over the live channel
type LiveCommand struct {
	Address     string   `json:"address"`
	Power       *int16   `json:"power,omitempty"`
	Cadence     *float64 `json:"cadence,omitempty"`
	SpeedKmh    *float64 `json:"speedKmh,omitempty"`
	HeartRate   *uint8   `json:"heartRate,omitempty"`
	Drop        bool     `json:"drop,omitempty"`
	Advertising *bool    `json:"advertising,omitempty"`
}

// Server exposes the fleet over HTTP for inspection and rider input
type Server struct {
	logger       *log.Logger
	fleet        *Fleet
	port         int
	pushInterval time.Duration
	upgrader     websocket.Upgrader

	server *http.Server
	wg     sync.WaitGroup
}

func NewServer(logger *log.Logger, fleet *Fleet, port int) *Server {
	if logger == nil {
		panic("Server: logger cannot be nil")
	}
	return &Server{
		logger:       logger,
		fleet:        fleet,
		port:         port,
		pushInterval: 500 * time.Millisecond,
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.handleGetState)
	mux.HandleFunc("/api/set", s.handleSetValues)
	mux.HandleFunc("/api/writes", s.handleGetWrites)
	mux.HandleFunc("/api/trigger-notification", s.handleTriggerNotification)
	mux.HandleFunc("/api/drop", s.handleDrop)
	mux.HandleFunc("/api/live", s.handleLive)
	return mux
}

// Start listens on the configured port
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("simulator server: %w", err)
	}
	s.server = &http.Server{Handler: s.Handler()}
	go_func_utils.SafeGoWG(s.logger, &s.wg, func() {
		s.logger.Printf("Simulator: web server listening on http://localhost:%d", s.port)
		if err := s.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Simulator: web server error: %v", err)
		}
	})
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	if s.server == nil {
		return
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Printf("Simulator: error shutting down web server: %v", err)
	}
	s.wg.Wait()
}

func (s *Server) states() []PeripheralState {
	peripherals := s.fleet.Peripherals()
	states := make([]PeripheralState, 0, len(peripherals))
	for _, p := range peripherals {
		states = append(states, p.State())
	}
	return states
}

// target resolves the address query parameter, nil address means all
func (s *Server) target(w http.ResponseWriter, r *http.Request) ([]*Peripheral, bool) {
	address := r.URL.Query().Get("address")
	if address == "" {
		return s.fleet.Peripherals(), true
	}
	p := s.fleet.Peripheral(address)
	if p == nil {
		http.Error(w, "unknown address", http.StatusNotFound)
		return nil, false
	}
	return []*Peripheral{p}, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.states())
}

func (s *Server) handleSetValues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peripherals, ok := s.target(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var cmd LiveCommand
	if v := q.Get("power"); v != "" {
		n, err := strconv.ParseInt(v, 10, 16)
		if err != nil {
			http.Error(w, "bad power", http.StatusBadRequest)
			return
		}
		power := int16(n)
		cmd.Power = &power
	}
	if v := q.Get("cadence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "bad cadence", http.StatusBadRequest)
			return
		}
		cmd.Cadence = &f
	}
	if v := q.Get("speedKmh"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "bad speedKmh", http.StatusBadRequest)
			return
		}
		cmd.SpeedKmh = &f
	}
	if v := q.Get("heartRate"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			http.Error(w, "bad heartRate", http.StatusBadRequest)
			return
		}
		hr := uint8(n)
		cmd.HeartRate = &hr
	}
	for _, p := range peripherals {
		p.apply(cmd)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetWrites(w http.ResponseWriter, r *http.Request) {
	peripherals, ok := s.target(w, r)
	if !ok {
		return
	}
	writes := make([]bt.WrittenValue, 0)
	for _, p := range peripherals {
		writes = append(writes, p.mock.Writes()...)
	}
	writeJSON(w, writes)
}

func (s *Server) handleTriggerNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peripherals, ok := s.target(w, r)
	if !ok {
		return
	}
	now := time.Now()
	for _, p := range peripherals {
		p.Tick(now)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peripherals, ok := s.target(w, r)
	if !ok {
		return
	}
	for _, p := range peripherals {
		p.mock.DropLink()
	}
	w.WriteHeader(http.StatusOK)
}

// handleLive pushes the fleet state periodically and applies commands
// read from the socket
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("Simulator: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	var writeMu sync.Mutex
	go_func_utils.SafeGo(s.logger, func() {
		ticker := time.NewTicker(s.pushInterval)
		defer ticker.Stop()
		for {
			writeMu.Lock()
			err := conn.WriteJSON(s.states())
			writeMu.Unlock()
			if err != nil {
				return
			}
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	})
	defer close(done)

	for {
		var cmd LiveCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		p := s.fleet.Peripheral(cmd.Address)
		if p == nil {
			s.logger.Printf("Simulator: live command for unknown address %q", cmd.Address)
			continue
		}
		p.apply(cmd)
	}
}

// apply merges a command into the current rider input
func (p *Peripheral) apply(cmd LiveCommand) {
	m := p.Metrics()
	p.mu.Lock()
	m.Power = p.freePower
	p.mu.Unlock()
	if cmd.Power != nil {
		m.Power = *cmd.Power
	}
	if cmd.Cadence != nil {
		m.Cadence = *cmd.Cadence
	}
	if cmd.SpeedKmh != nil {
		m.SpeedKmh = *cmd.SpeedKmh
	}
	if cmd.HeartRate != nil {
		m.HeartRate = *cmd.HeartRate
	}
	p.SetRiderInput(m)
	if cmd.Advertising != nil {
		p.mock.SetAdvertising(*cmd.Advertising)
	}
	if cmd.Drop {
		p.logger.Printf("Simulator: dropping link to %s", p.Name())
		p.mock.DropLink()
	}
}
