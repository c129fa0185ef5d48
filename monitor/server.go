// Package monitor serves the live preview, the event feed and the settings
// of a running pipeline over HTTP.  It only consumes pipeline outputs.
package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	ps "github.com/swdee/go-particlescope"
	"github.com/swdee/go-particlescope/bus"
	"github.com/swdee/go-particlescope/config"
)

// ConfigPrefix of the monitor settings
const ConfigPrefix = "Monitor"

// Settings of the monitor
var Settings = []config.Setting{
	{Key: "addr", Default: ":8080", Title: "Listen address"},
	{Key: "max_width", Default: 640, Title: "Preview width limit (pixels)"},
	{Key: "quality", Default: 80, Title: "Preview JPEG quality"},
}

// Event types on the websocket feed
const (
	EventDistributions = "distributions"
	EventTimeline      = "timeline"
	EventWarning       = "warning"
	EventError         = "error"
	EventStatus        = "status"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one message on the websocket feed
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// DistributionsEvent is the feed form of ps.Distributions
type DistributionsEvent struct {
	Areas      []float64 `json:"areas"`
	AreaUnit   string    `json:"area_unit"`
	Majors     []float64 `json:"majors"`
	Minors     []float64 `json:"minors"`
	LengthUnit string    `json:"length_unit"`
	Images     int       `json:"images"`
	Time       float64   `json:"time"`
}

// TimelineEvent is the feed form of ps.TimelineDataPoint
type TimelineEvent struct {
	Plot   string  `json:"plot"`
	Series string  `json:"series"`
	Value  float64 `json:"value"`
	Time   float64 `json:"time"`
}

// Status summarises the pipeline state
type Status struct {
	SourceRunning        bool `json:"source_running"`
	AnalyzerConnected    bool `json:"analyzer_connected"`
	AnalyzerBackPressure bool `json:"analyzer_back_pressure"`
	FeedBackPressure     bool `json:"feed_back_pressure"`
	Clients              int  `json:"clients"`
}

// SettingValue describes one setting on the config endpoint
type SettingValue struct {
	Value   any    `json:"value"`
	Default any    `json:"default"`
	Title   string `json:"title"`
}

// SetRequest is the body of a config change
type SetRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Server is the monitor HTTP server
type Server struct {
	cfg      config.Section
	store    *config.Store
	subjects *ps.Subjects
	frames   *FrameHolder
	hub      *Hub
	router   chi.Router
	log      *logrus.Entry

	mu     sync.Mutex
	worker *bus.Worker
	group  bus.Group
	http   *http.Server
}

// New creates a stopped monitor
func New(store *config.Store, subjects *ps.Subjects) *Server {

	cfg := store.Section(ConfigPrefix)
	cfg.Register(Settings)

	s := &Server{
		cfg:      cfg,
		store:    store,
		subjects: subjects,
		frames:   NewFrameHolder(),
		hub:      NewHub(),
		log:      logrus.WithField("component", "monitor"),
	}

	s.router = s.routes()

	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Frames returns the latest preview holder
func (s *Server) Frames() *FrameHolder {
	return s.frames
}

func (s *Server) routes() chi.Router {

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/stream", s.stream)
	r.Get("/events", s.events)
	r.Get("/status", s.status)
	r.Get("/config", s.getConfig)
	r.Post("/config", s.setConfig)

	return r
}

// Subscribe connects the monitor to the pipeline outputs
func (s *Server) Subscribe() {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.worker != nil {
		return
	}

	s.worker = bus.NewWorker("monitor", 0)
	go s.hub.Run()

	s.group.Add(
		s.subjects.RenderedImages.Subscribe(s.worker, s.onRendered),
		s.subjects.Distributions.Subscribe(s.worker, func(d ps.Distributions) {
			s.send(EventDistributions, DistributionsEvent{
				Areas:      d.Areas.Areas,
				AreaUnit:   d.Areas.Unit.Area(),
				Majors:     d.Ellipses.Majors,
				Minors:     d.Ellipses.Minors,
				LengthUnit: d.Ellipses.Unit.Length(),
				Images:     d.Images,
				Time:       d.Time,
			})
		}),
		s.subjects.Timeline.Subscribe(s.worker, func(pt ps.TimelineDataPoint) {
			s.send(EventTimeline, TimelineEvent(pt))
		}),
		s.subjects.Warnings.Subscribe(s.worker, func(msg string) {
			s.send(EventWarning, msg)
		}),
		s.subjects.Errors.Subscribe(s.worker, func(err error) {
			s.send(EventError, err.Error())
		}),
		s.subjects.SourceRunning.Subscribe(s.worker, s.sendStatus),
		s.subjects.AnalyzerConnected.Subscribe(s.worker, s.sendStatus),
	)
}

// Flush waits until the outputs delivered so far are handled
func (s *Server) Flush() {

	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()

	if w != nil {
		w.Flush()
	}
}

// ListenAndServe subscribes to the pipeline and serves on the configured
// address until Shutdown
func (s *Server) ListenAndServe() error {

	ln, err := net.Listen("tcp", s.cfg.String("addr"))

	if err != nil {
		return errors.Wrap(err, "error starting monitor")
	}

	return s.Serve(ln)
}

// Serve subscribes to the pipeline and serves on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {

	s.Subscribe()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.log.Infof("monitor listening on %s", ln.Addr())

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "monitor server failed")
	}

	return nil
}

// Shutdown stops serving and disconnects from the pipeline
func (s *Server) Shutdown(ctx context.Context) error {

	s.mu.Lock()
	srv := s.http
	worker := s.worker
	s.http = nil
	s.worker = nil
	s.mu.Unlock()

	s.group.Dispose()

	if worker != nil {
		worker.Close()
	}

	s.hub.Close()

	if srv == nil {
		return nil
	}

	return srv.Shutdown(ctx)
}

// onRendered scales a rendered sample for the preview stream
func (s *Server) onRendered(img ps.RenderedImage) {

	frame, err := ScaleJPEG(img.JPEG, s.cfg.Int("max_width"), s.cfg.Int("quality"))

	if err != nil {
		s.log.Errorf("error scaling preview %s: %v", img.Name, err)
		return
	}

	s.frames.Set(frame)
}

func (s *Server) send(kind string, data any) {

	msg, err := json.Marshal(Event{Type: kind, Data: data})

	if err != nil {
		s.log.Errorf("error encoding %s event: %v", kind, err)
		return
	}

	s.hub.Broadcast(msg)
}

func (s *Server) sendStatus(bool) {
	s.send(EventStatus, s.Status())
}

// Status returns the current pipeline state
func (s *Server) Status() Status {
	return Status{
		SourceRunning:        s.subjects.SourceRunning.Value(),
		AnalyzerConnected:    s.subjects.AnalyzerConnected.Value(),
		AnalyzerBackPressure: s.subjects.AnalyzerBackPressure.Value(),
		FeedBackPressure:     s.subjects.FeedBackPressure.Value(),
		Clients:              s.hub.ClientCount(),
	}
}

// stream is the HTTP handler streaming preview frames as MJPEG
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {

	s.log.Debug("new stream client connected")

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")

	flusher, _ := w.(http.Flusher)

	for {
		frame, changed := s.frames.Latest()

		if frame != nil {
			w.Write([]byte("--frame\r\n"))
			w.Write([]byte("Content-Type: image/jpeg\r\n\r\n"))
			w.Write(frame)

			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}

			if flusher != nil {
				flusher.Flush()
			}
		}

		select {
		case <-r.Context().Done():
			s.log.Debug("stream client disconnected")
			return
		case <-changed:
		}
	}
}

// events upgrades to a websocket receiving the event feed
func (s *Server) events(w http.ResponseWriter, r *http.Request) {

	conn, err := upgrader.Upgrade(w, r, nil)

	if err != nil {
		s.log.Errorf("websocket upgrade error: %v", err)
		return
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	s.hub.Register(conn)
	defer s.hub.Unregister(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {

	out := make(map[string]SettingValue)

	for _, key := range s.store.Registered() {
		st, _ := s.store.Describe(key)
		out[key] = SettingValue{
			Value:   s.store.Get(key),
			Default: st.Default,
			Title:   st.Title,
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setConfig(w http.ResponseWriter, r *http.Request) {

	var req SetRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.Set(req.Key, req.Value); err != nil {
		code := http.StatusBadRequest

		if errors.Is(err, config.ErrUnknownKey) {
			code = http.StatusNotFound
		}

		http.Error(w, err.Error(), code)
		return
	}

	s.log.Infof("setting %s changed to %v", req.Key, req.Value)

	writeJSON(w, http.StatusOK, SettingValue{Value: s.store.Get(req.Key)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
