package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the telemetry HTTP surface.
type Server struct {
	addr      string
	branding  string
	feed      *Feed
	gatherer  prometheus.Gatherer
	startedAt time.Time
	healthy   atomic.Bool
	page      *template.Template
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Addr     string
	Branding string
	Feed     *Feed
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// NewServer creates a Server. It reports healthy once ListenAndServe is
// accepting connections, or immediately after MarkHealthy.
func NewServer(opts ServerOptions) *Server {
	if opts.Feed == nil {
		opts.Feed = NewFeed()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		addr:      opts.Addr,
		branding:  opts.Branding,
		feed:      opts.Feed,
		gatherer:  opts.Gatherer,
		startedAt: time.Now(),
		page:      template.Must(template.New("page").Parse(pageHTML)),
	}
}

// MarkHealthy flips /health.
func (s *Server) MarkHealthy(ok bool) { s.healthy.Store(ok) }

// Handler returns the HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /live_data", s.handleLiveData)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /{$}", s.handlePage)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("telemetry listen %s: %w", s.addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("telemetry listening", "addr", ln.Addr().String())
	s.MarkHealthy(true)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.MarkHealthy(false)
		if err != nil {
			return fmt.Errorf("telemetry serve: %w", err)
		}
		return nil
	}

	s.MarkHealthy(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-errCh
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": s.branding})
}

// LiveData is the /live_data payload.
type LiveData struct {
	Emotion  string           `json:"emotion"`
	Activity map[string]int64 `json:"activity"`
	Logs     []string         `json:"logs"`
}

func (s *Server) liveData() LiveData {
	logs := s.feed.Logs()
	lines := make([]string, 0, len(logs))
	for _, l := range logs {
		lines = append(lines, l.Message)
	}
	return LiveData{
		Emotion:  s.feed.Emotion(),
		Activity: s.feed.Activity(),
		Logs:     lines,
	}
}

func (s *Server) handleLiveData(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.liveData())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.healthy.Load() {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"uptime": time.Since(s.startedAt).Round(time.Second).String(),
		})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, done := s.feed.Subscribe()
	defer s.feed.Unsubscribe(done)

	for _, e := range s.feed.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.Marshal())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
			flusher.Flush()
		}
	}
}

func (s *Server) handlePage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Branding string
		LiveData
	}{s.branding, s.liveData()}
	if err := s.page.Execute(w, data); err != nil {
		slog.Warn("render telemetry page", "error", err)
	}
}

const pageHTML = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>WENBNB Live</title>
<style>
body{font-family:monospace;background:#0b0e11;color:#f0b90b;margin:2em}
#logs li{color:#eaecef}
</style>
</head>
<body>
<h1>{{.Branding}}</h1>
<p>Mood: <span id="emotion">{{.Emotion}}</span></p>
<h2>Activity</h2>
<ul id="activity">{{range $k, $v := .Activity}}<li>{{$k}}: {{$v}}</li>{{end}}</ul>
<h2>Log</h2>
<ul id="logs">{{range .Logs}}<li>{{.}}</li>{{end}}</ul>
<script>
setInterval(async () => {
  const r = await fetch("/live_data");
  const d = await r.json();
  document.getElementById("emotion").textContent = d.emotion;
  const logs = document.getElementById("logs");
  logs.innerHTML = "";
  for (const l of d.logs) { const li = document.createElement("li"); li.textContent = l; logs.appendChild(li); }
}, 3000);
</script>
</body>
</html>
`
