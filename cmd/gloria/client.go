package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nous-labs/gloria/internal/daemon"
	"github.com/nous-labs/gloria/internal/extension"
	"github.com/nous-labs/gloria/internal/ipc"
)

var (
	assistantColor = color.New(color.FgGreen)
	noticeColor    = color.New(color.FgYellow)
	errorColor     = color.New(color.FgRed)
	promptColor    = color.New(color.FgCyan, color.Bold)
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to a running assistant through the control API",
	Long: "Sends the message, or each line read from stdin when no message is given, " +
		"to the control conversation of a running assistant and prints the reply.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newControlClient(cmd)
		if len(args) > 0 {
			return c.chat(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "))
		}
		return c.repl(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var ipcCmd = &cobra.Command{
	Use:   "ipc <command> [key=value...]",
	Short: "Run an IPC command on a running assistant",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := extension.IPCRequest{Command: args[0]}
		for _, kv := range args[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("argument %q is not key=value", kv)
			}
			if req.Data == nil {
				req.Data = map[string]any{}
			}
			req.Data[k] = v
		}
		return newControlClient(cmd).ipc(cmd.Context(), cmd.OutOrStdout(), req)
	},
}

// controlClient talks HTTP to the control API over the socket or TCP.
type controlClient struct {
	http *http.Client
	base string
}

func newControlClient(cmd *cobra.Command) *controlClient {
	addr, _ := cmd.Flags().GetString("addr")
	if addr != "" {
		return &controlClient{http: &http.Client{Timeout: 5 * time.Minute}, base: "http://" + addr}
	}
	sock, _ := cmd.Flags().GetString("socket")
	if sock == "" {
		sock = os.Getenv("GLORIA_CONTROL_SOCKET")
	}
	if sock == "" {
		sock = daemon.DefaultSocketPath
	}
	return &controlClient{
		http: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", sock)
				},
			},
		},
		base: "http://gloria",
	}
}

func (c *controlClient) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control API: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control API %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}

func (c *controlClient) chat(ctx context.Context, w io.Writer, message string) error {
	var resp daemon.ChatResponse
	if err := c.post(ctx, "/v1/chat", daemon.ChatRequest{Message: message}, &resp); err != nil {
		return err
	}
	switch {
	case resp.Failed:
		errorColor.Fprintln(w, resp.Content)
	case resp.Command:
		noticeColor.Fprintln(w, resp.Content)
	case resp.Content != "":
		assistantColor.Fprintln(w, resp.Content)
	}
	if resp.TaskStarted {
		noticeColor.Fprintln(w, "(task started)")
	}
	if resp.TaskEnded {
		noticeColor.Fprintln(w, "(task ended)")
	}
	return nil
}

func (c *controlClient) repl(ctx context.Context, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	for {
		promptColor.Fprint(w, "> ")
		if !sc.Scan() {
			fmt.Fprintln(w)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := c.chat(ctx, w, line); err != nil {
			errorColor.Fprintln(w, "error:", err)
		}
	}
}

func (c *controlClient) ipc(ctx context.Context, w io.Writer, req extension.IPCRequest) error {
	var reply ipc.Reply
	if err := c.post(ctx, "/v1/ipc", req, &reply); err != nil {
		return err
	}
	status := assistantColor
	if reply.Status != ipc.StatusOK {
		status = errorColor
	}
	status.Fprintf(w, "%s: %s\n", reply.Command, reply.Status)
	for _, r := range reply.Responses {
		line := fmt.Sprintf("  %s", r.Extension)
		if r.Error != "" {
			errorColor.Fprintf(w, "%s: %s\n", line, r.Error)
			continue
		}
		if r.Data != nil {
			data, _ := json.Marshal(r.Data)
			line += " " + string(data)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
