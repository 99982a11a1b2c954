// Package status answers the //status. command with a summary of the
// attention thread.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nous-labs/gloria/internal/extension"
)

const (
	ID      = "status"
	Command = "//status."
)

type Extension struct {
	threads extension.Threads
	names   func() []string
}

// New builds the extension. names lists the loaded extensions for the
// report and may be nil.
func New(deps extension.Deps, names func() []string) (*Extension, error) {
	if deps.Threads == nil {
		return nil, fmt.Errorf("status: threads are required")
	}
	return &Extension{threads: deps.Threads, names: names}, nil
}

func Factory(deps extension.Deps, _ json.RawMessage) (extension.Extension, error) {
	return New(deps, nil)
}

func (e *Extension) Name() string        { return ID }
func (e *Extension) Platforms() []string { return nil }
func (e *Extension) Commands() []string  { return []string{Command} }

func (e *Extension) Execute(ctx context.Context, req extension.CommandRequest) (string, error) {
	st, err := e.threads.Status(ctx, req.Scope)
	if err != nil {
		return "", fmt.Errorf("thread status: %w", err)
	}
	if st.ThreadKey == "" {
		return "There is no conversation in this room yet.", nil
	}
	out := fmt.Sprintf("The current conversation has %d messages (%d threads in this room). It started %s and was last saved %s.",
		st.Messages, st.Threads, stamp(st.Created), stamp(st.LastSaved))
	if e.names != nil {
		if n := e.names(); len(n) > 0 {
			out += fmt.Sprintf(" Loaded extensions: %v.", n)
		}
	}
	return out, nil
}

// stamp renders an epoch-seconds string as UTC time.
func stamp(epoch string) string {
	f, err := strconv.ParseFloat(epoch, 64)
	if err != nil || f <= 0 {
		return "at an unknown time"
	}
	return time.Unix(int64(f), 0).UTC().Format("2006-01-02 15:04:05 UTC")
}
