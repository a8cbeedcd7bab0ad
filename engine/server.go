// ABOUTME: Execution monitor: chi-routed HTTP API to submit, observe, cancel, and answer executions.
// ABOUTME: Event streaming is SSE backed by the bus, with seq-based replay for late or reconnecting clients.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/sorryhyun/DiPeO-sub003/compile"
	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/llm"
)

// ssePingInterval keeps idle event streams alive through proxies.
const ssePingInterval = 15 * time.Second

// MonitorServer exposes the engine over HTTP: submit diagrams, inspect
// snapshots, stream events, cancel runs, and answer pending questions.
type MonitorServer struct {
	engine    *Engine
	questions *QuestionBroker
	router    chi.Router
	logger    *slog.Logger
	addr      string
}

// NewMonitorServer builds a server and the engine it drives. The engine's
// interviewer is replaced by the server's question broker so user_response
// nodes surface on the questions endpoint.
func NewMonitorServer(addr string, state *StateManager, bus EventBus, opts Options) *MonitorServer {
	if bus == nil {
		bus = NewBus()
	}
	broker := NewQuestionBroker()
	opts.Interviewer = broker

	s := &MonitorServer{
		engine:    New(state, bus, opts),
		questions: broker,
		addr:      addr,
		logger:    opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.router = s.buildRouter()
	return s
}

// Engine returns the server's engine so callers can run diagrams that share
// its state, bus, and question broker.
func (s *MonitorServer) Engine() *Engine { return s.engine }

// ServeHTTP delegates to the router.
func (s *MonitorServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server with timeouts sized for SSE consumers;
// streams cut by WriteTimeout resume via Last-Event-ID.
func (s *MonitorServer) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	return srv.ListenAndServe()
}

// Serve runs the server until ctx ends, then shuts down gracefully.
func (s *MonitorServer) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("monitor listening", "addr", s.addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *MonitorServer) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/executions", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Route("/{executionID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/events", s.handleEvents)
			r.Post("/cancel", s.handleCancel)
			r.Get("/questions", s.handleQuestions)
			r.Post("/questions/{questionID}/answer", s.handleAnswer)
		})
	})
	return r
}

func (s *MonitorServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitRequest is the JSON submission body. Non-JSON bodies are treated as
// raw diagram source with format sniffing.
type submitRequest struct {
	Diagram     string         `json:"diagram"`
	Format      string         `json:"format,omitempty"`
	DiagramPath string         `json:"diagram_path,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	TimeoutSec  int            `json:"timeout,omitempty"`
}

func (s *MonitorServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
			return
		}
	} else {
		body, err := readBody(r, 4<<20)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
			return
		}
		req.Diagram = string(body)
	}
	if strings.TrimSpace(req.Diagram) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty diagram source"})
		return
	}

	format := diagram.Format(req.Format)
	if format == "" {
		format = diagram.FormatForPath(req.DiagramPath, req.Diagram)
	}
	d, err := diagram.Deserialize(req.Diagram, format)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "parse diagram: " + err.Error()})
		return
	}

	diagramDir := ""
	if req.DiagramPath != "" {
		diagramDir = filepath.Dir(req.DiagramPath)
	}
	compiled, err := compile.Compile(d, compile.Options{
		BaseDir:    s.engine.opts.BaseDir,
		DiagramDir: diagramDir,
		FS:         s.engine.opts.FS,
	})
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	execID := NewExecutionID()
	runCtx := context.Background()
	cancel := context.CancelFunc(func() {})
	if req.TimeoutSec > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(req.TimeoutSec)*time.Second)
	}
	go func() {
		defer cancel()
		if _, err := s.engine.Execute(runCtx, RunInput{
			Diagram:     compiled,
			Variables:   req.Variables,
			ExecutionID: execID,
			DiagramDir:  diagramDir,
		}); err != nil {
			s.logger.Warn("execution finished with error", "execution_id", execID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": string(execID),
		"status":       "running",
	})
}

// executionSummary is the list-view projection of a snapshot.
type executionSummary struct {
	ExecutionID diagram.ExecutionID `json:"execution_id"`
	Status      ExecutionStatus     `json:"status"`
	DiagramID   string              `json:"diagram_id,omitempty"`
	StartTime   *time.Time          `json:"start_time,omitempty"`
	EndTime     *time.Time          `json:"end_time,omitempty"`
	Error       string              `json:"error,omitempty"`
	NodeCount   int                 `json:"node_count"`
	TokenUsage  llm.Usage           `json:"token_usage"`
}

func (s *MonitorServer) handleList(w http.ResponseWriter, r *http.Request) {
	states := s.engine.State().Executions()
	out := make([]executionSummary, 0, len(states))
	for _, st := range states {
		out = append(out, executionSummary{
			ExecutionID: st.ExecutionID,
			Status:      st.Status,
			DiagramID:   st.DiagramID,
			StartTime:   st.StartTime,
			EndTime:     st.EndTime,
			Error:       st.Error,
			NodeCount:   len(st.Nodes),
			TokenUsage:  st.TokenUsage,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *MonitorServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id := diagram.ExecutionID(chi.URLParam(r, "executionID"))
	snapshot, ok := s.engine.State().Snapshot(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution not found"})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleEvents streams the execution's events as SSE. Replay starts after
// Last-Event-ID (or ?after_seq); live events come from the bus, with any
// drop-oldest gaps refilled from the state manager's log. Clients accepting
// application/json get a filtered log query instead of a stream.
func (s *MonitorServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := diagram.ExecutionID(chi.URLParam(r, "executionID"))
	state := s.engine.State()
	if _, ok := state.Snapshot(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution not found"})
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.queryEvents(w, r, id)
		return
	}

	afterSeq := parseSeq(r.Header.Get("Last-Event-ID"))
	if afterSeq == 0 {
		afterSeq = parseSeq(r.URL.Query().Get("after_seq"))
	}

	// Subscribe before replay so nothing published in between is missed;
	// duplicates are filtered by seq.
	sub := s.engine.Bus().Subscribe(id)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	lastSent := afterSeq
	send := func(evt Event) bool {
		if evt.Meta.Seq <= lastSent {
			return false
		}
		data, err := json.Marshal(evt)
		if err != nil {
			s.logger.Warn("encode event", "error", err)
			return false
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Meta.Seq, evt.Type, data)
		if canFlush {
			flusher.Flush()
		}
		lastSent = evt.Meta.Seq
		return evt.Type == ExecutionCompleted || evt.Type == ExecutionFailed
	}

	for _, evt := range state.EventsSince(id, lastSent) {
		if send(evt) {
			return
		}
	}

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()
	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if evt.Meta.Seq > lastSent+1 {
				// The bus evicted something; refill from the log.
				for _, missed := range state.EventsSince(id, lastSent) {
					if send(missed) {
						return
					}
				}
				continue
			}
			if send(evt) {
				return
			}
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// queryEvents answers a filtered, paginated event-log query:
// ?types=NODE_COMPLETED,NODE_FAILED&node=node_2&after_seq=3&limit=50.
func (s *MonitorServer) queryEvents(w http.ResponseWriter, r *http.Request, id diagram.ExecutionID) {
	q := EventQuery{
		NodeID:   diagram.NodeID(r.URL.Query().Get("node")),
		AfterSeq: parseSeq(r.URL.Query().Get("after_seq")),
	}
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.Types = append(q.Types, EventType(t))
			}
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}

	events := s.engine.State().QueryEvents(id, q)
	if events == nil {
		events = []Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *MonitorServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := diagram.ExecutionID(chi.URLParam(r, "executionID"))
	if s.engine.Cancel(id) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
		return
	}
	snapshot, ok := s.engine.State().Snapshot(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution not found"})
		return
	}
	writeJSON(w, http.StatusConflict, map[string]string{
		"error":  "execution not running",
		"status": string(snapshot.Status),
	})
}

func (s *MonitorServer) handleQuestions(w http.ResponseWriter, r *http.Request) {
	id := diagram.ExecutionID(chi.URLParam(r, "executionID"))
	if _, ok := s.engine.State().Snapshot(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "execution not found"})
		return
	}
	writeJSON(w, http.StatusOK, s.questions.Pending(id))
}

func (s *MonitorServer) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id := diagram.ExecutionID(chi.URLParam(r, "executionID"))
	questionID := chi.URLParam(r, "questionID")

	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if !s.questions.Answer(id, questionID, req.Answer) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "question not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}

// requestLogger reports each request through slog. The recorder keeps
// http.Flusher visible so SSE streaming works through the wrapper.
func (s *MonitorServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("monitor request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", rec.bytes,
			"duration", time.Since(start).Round(time.Microsecond),
			"remote", r.RemoteAddr)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, limit))
}

func parseSeq(s string) uint64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
