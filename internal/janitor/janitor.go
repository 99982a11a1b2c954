// Package janitor runs periodic maintenance over the conversation store:
//   - registry repair (drop entries whose thread record is gone)
//   - maintenance commands routed to IPC extensions, such as meeting expiry
//   - a cycle report published as an event
//
// It never touches a thread that still has a record.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nous-labs/gloria/internal/conversation"
	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/internal/ipc"
)

// EventFunc publishes a janitor event: event type, message.
type EventFunc func(typ, message string)

// Commands runs an IPC command.
type Commands interface {
	Handle(ctx context.Context, req extension.IPCRequest) ipc.Reply
}

// Report holds the results of a single cycle.
type Report struct {
	CycleNumber int       `json:"cycle_number"`
	StartedAt   time.Time `json:"started_at"`
	Duration    string    `json:"duration"`

	Scopes          int `json:"scopes"`
	ScopesRepaired  int `json:"scopes_repaired"`
	EntriesDropped  int `json:"entries_dropped"`
	CommandsHandled int `json:"commands_handled"`

	Errors []string `json:"errors,omitempty"`
}

// Config holds janitor configuration.
type Config struct {
	Interval     time.Duration // default 6h
	InitialDelay time.Duration // default 30s
	// Commands are sent to the IPC extensions every cycle.
	Commands []string
}

// Worker is the maintenance loop.
type Worker struct {
	store    *conversation.Store
	commands Commands
	onEvent  EventFunc
	cfg      Config

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

func NewWorker(store *conversation.Store, commands Commands, onEvent EventFunc, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 30 * time.Second
	}
	return &Worker{store: store, commands: commands, onEvent: onEvent, cfg: cfg}
}

// Run starts the loop. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("janitor started", "interval", w.cfg.Interval, "commands", w.cfg.Commands)

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.cfg.InitialDelay):
	}
	w.logReport(w.RunOnce(ctx))

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor stopping")
			return
		case <-ticker.C:
			w.logReport(w.RunOnce(ctx))
		}
	}
}

// RunOnce runs a single cycle and returns its report.
func (w *Worker) RunOnce(ctx context.Context) *Report {
	w.mu.Lock()
	w.cycleCount++
	cycle := w.cycleCount
	w.mu.Unlock()

	start := time.Now()
	report := &Report{CycleNumber: cycle, StartedAt: start}

	w.repairRegistries(ctx, report)
	w.runCommands(ctx, report)

	report.Duration = time.Since(start).Round(time.Millisecond).String()
	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()
	return report
}

// LastReport returns the most recent report.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

func (w *Worker) repairRegistries(ctx context.Context, report *Report) {
	scopes, err := w.store.Scopes(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list scopes: %v", err))
		slog.Warn("janitor: scope scan failed", "error", err)
		return
	}
	report.Scopes = len(scopes)
	for _, scope := range scopes {
		n, err := w.store.Repair(ctx, scope)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("repair %s: %v", scope, err))
			continue
		}
		if n > 0 {
			report.ScopesRepaired++
			report.EntriesDropped += n
		}
	}
}

func (w *Worker) runCommands(ctx context.Context, report *Report) {
	if w.commands == nil {
		return
	}
	for _, cmd := range w.cfg.Commands {
		reply := w.commands.Handle(ctx, extension.IPCRequest{Command: cmd})
		switch reply.Status {
		case ipc.StatusOK:
			report.CommandsHandled++
		case ipc.StatusNotFound:
			slog.Debug("janitor: no handler", "command", cmd)
		default:
			for _, r := range reply.Responses {
				if r.Error != "" {
					report.Errors = append(report.Errors, fmt.Sprintf("%s/%s: %s", cmd, r.Extension, r.Error))
				}
			}
		}
	}
}

func (w *Worker) logReport(report *Report) {
	summary := fmt.Sprintf("Janitor cycle %d complete (%s): %d scopes, %d repaired, %d entries dropped, %d commands",
		report.CycleNumber, report.Duration, report.Scopes, report.ScopesRepaired, report.EntriesDropped, report.CommandsHandled)
	if len(report.Errors) > 0 {
		summary += fmt.Sprintf(", %d errors", len(report.Errors))
	}
	slog.Info("janitor: cycle complete", "summary", summary)
	if w.onEvent != nil {
		w.onEvent("status", summary)
	}
}
