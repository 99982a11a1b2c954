// Control API handlers, served over a Unix socket and optionally TCP:
//
//	POST /v1/chat     run a turn in the control scope
//	POST /v1/ipc      run an IPC command
//	GET  /v1/events   SSE stream of turn and status events
//	GET  /v1/janitor  last janitor report; POST runs a cycle now
//	GET  /v1/health   health check
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/nous-labs/gloria/internal/assistant"
	"github.com/nous-labs/gloria/internal/extension"
)

const (
	// ControlScope is the conversation scope of control API chats.
	ControlScope = "control"
	// ControlPlatform is the platform name extensions see for control chats.
	ControlPlatform = "control"

	DefaultSocketPath = "/tmp/gloria.sock"
)

// controlMux returns the control API routes.
func (d *Daemon) controlMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat", d.handleControlChat)
	mux.HandleFunc("/v1/ipc", d.handleControlIPC)
	mux.HandleFunc("/v1/events", d.handleControlEvents)
	mux.HandleFunc("/v1/janitor", d.handleControlJanitor)
	mux.HandleFunc("/v1/health", d.handleHealth)
	return mux
}

// serveControl listens on the Unix socket and, when configured, on TCP.
// Blocks until ctx is cancelled.
func (d *Daemon) serveControl(ctx context.Context) error {
	mux := d.controlMux()
	var servers []*http.Server
	errCh := make(chan error, 2)

	sockPath := d.config.Control.SocketPath
	if sockPath == "" {
		sockPath = DefaultSocketPath
	}
	if _, err := os.Stat(sockPath); err == nil {
		os.Remove(sockPath)
	}
	unixListener, err := net.Listen("unix", sockPath)
	if err != nil {
		slog.Warn("control unix socket failed", "socket", sockPath, "error", err)
	} else {
		os.Chmod(sockPath, 0o660)
		defer os.Remove(sockPath)
		srv := &http.Server{Handler: mux}
		servers = append(servers, srv)
		go func() { errCh <- srv.Serve(unixListener) }()
		slog.Info("control API listening", "socket", sockPath)
	}

	if addr := d.config.Control.TCPAddr; addr != "" {
		tcpListener, err := net.Listen("tcp", addr)
		if err != nil {
			slog.Warn("control TCP listener failed", "addr", addr, "error", err)
		} else {
			srv := &http.Server{Handler: mux}
			servers = append(servers, srv)
			go func() { errCh <- srv.Serve(tcpListener) }()
			slog.Info("control API listening", "tcp", addr)
		}
	}
	if len(servers) == 0 {
		slog.Warn("control API disabled, no listener available")
		<-ctx.Done()
		return nil
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message string `json:"message"`
	Sender  string `json:"sender,omitempty"`
}

// ChatResponse is the answer to POST /v1/chat.
type ChatResponse struct {
	Content     string `json:"content"`
	ThreadKey   string `json:"thread_key,omitempty"`
	Command     bool   `json:"command,omitempty"`
	TaskStarted bool   `json:"task_started,omitempty"`
	TaskEnded   bool   `json:"task_ended,omitempty"`
	Failed      bool   `json:"failed,omitempty"`
	Elapsed     string `json:"elapsed"`
}

func (d *Daemon) handleControlChat(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed, use POST"}`)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"missing or invalid message field"}`)
		return
	}
	if req.Sender == "" {
		req.Sender = "operator"
	}

	start := time.Now()
	reply, err := d.dispatcher.Submit(r.Context(), assistant.Incoming{
		Platform: ControlPlatform,
		Scope:    ControlScope,
		Sender:   req.Sender,
		Content:  req.Message,
	})
	if err != nil {
		slog.Error("control chat failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(ChatResponse{
		Content:     reply.Text,
		ThreadKey:   reply.ThreadKey,
		Command:     reply.Command,
		TaskStarted: reply.TaskStarted,
		TaskEnded:   reply.TaskEnded,
		Failed:      reply.Failed,
		Elapsed:     time.Since(start).Round(time.Millisecond).String(),
	})
}

func (d *Daemon) handleControlIPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed, use POST"}`)
		return
	}

	var req extension.IPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"missing or invalid command field"}`)
		return
	}
	json.NewEncoder(w).Encode(d.ipc.Handle(r.Context(), req))
}

// handleControlEvents streams events as SSE, starting with recent ones.
func (d *Daemon) handleControlEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, done := d.events.Subscribe()
	defer d.events.Unsubscribe(done)
	slog.Debug("event stream client connected", "subscribers", d.events.SubscriberCount())

	for _, e := range d.events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
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
			fmt.Fprintf(w, "data: %s\n\n", evt.MarshalEvent())
			flusher.Flush()
		}
	}
}

func (d *Daemon) handleControlJanitor(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if d.janitor == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"janitor not running"}`)
		return
	}

	switch r.Method {
	case http.MethodGet:
		report := d.janitor.LastReport()
		if report == nil {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"no janitor report yet"}`)
			return
		}
		json.NewEncoder(w).Encode(report)
	case http.MethodPost:
		json.NewEncoder(w).Encode(d.janitor.RunOnce(r.Context()))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed, use GET or POST"}`)
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !d.isHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"starting"}`)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"uptime":      time.Since(d.startedAt).Round(time.Second).String(),
		"extensions":  d.registry.Names(),
		"matrix":      d.matrix != nil,
		"knowledge":   d.knowledge != nil,
		"subscribers": d.events.SubscriberCount(),
	})
}
