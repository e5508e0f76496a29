// Package mcpserver exposes the terminal manager as MCP tools over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/asheshgoplani/termpilot/internal/automation"
	"github.com/asheshgoplani/termpilot/internal/journal"
	"github.com/asheshgoplani/termpilot/internal/logging"
	"github.com/asheshgoplani/termpilot/internal/registry"
	"github.com/asheshgoplani/termpilot/internal/terminal"
)

// ServerName is the implementation name announced to clients.
const ServerName = "termpilot"

var mcpLog = logging.ForComponent(logging.CompMCP)

// Manager is the terminal surface the tools drive.
type Manager interface {
	CreateSession(ctx context.Context, name string) (terminal.Created, error)
	SendKeys(ctx context.Context, names []string) (int, error)
	TypeText(ctx context.Context, text string) (int, error)
	GetScreenText(ctx context.Context) (string, error)
	GetScreenshot(ctx context.Context) (automation.Capture, error)
	GetStatus(ctx context.Context) (terminal.Status, error)
	ListSessions(ctx context.Context) ([]registry.Session, error)
	KillSession(ctx context.Context, name string) error
	KillAllSessions(ctx context.Context) (int, error)
	ResizeTerminal(ctx context.Context, rows, cols int) (bool, error)
	Close(ctx context.Context) error
	RestartTerminal(ctx context.Context, command string) (string, error)
	WaitForText(ctx context.Context, text string, timeout time.Duration) (terminal.WaitResult, error)
	WaitForStable(ctx context.Context, timeout, stable time.Duration) (terminal.WaitResult, error)
	Current() (session, window string)
}

// Recorder stores an audit entry per tool call. *journal.Journal satisfies it.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) (string, error)
}

// Server is the termpilot MCP server.
type Server struct {
	mcpServer *mcp.Server
	manager   Manager
	recorder  Recorder
}

// New builds the server and registers every tool. recorder may be nil.
func New(manager Manager, recorder Recorder, version string) *Server {
	s := &Server{
		manager:  manager,
		recorder: recorder,
	}
	s.mcpServer = mcp.NewServer(
		&mcp.Implementation{
			Name:    ServerName,
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves MCP on stdio until the client disconnects or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves one session on an arbitrary transport.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

// call runs fn as tool, converting failures and panics into error results,
// and logs and journals the outcome.
func (s *Server) call(ctx context.Context, tool string, args any, fn func() (*mcp.CallToolResult, error)) (result *mcp.CallToolResult, _ any, _ error) {
	start := time.Now()
	var err error

	defer func() {
		if r := recover(); r != nil {
			mcpLog.Error("tool_panic",
				slog.String("tool", tool),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("internal error in %s: %v", tool, r)
			result = nil
		}
		if err != nil {
			result = errorResult(err)
		}
		s.observe(ctx, tool, args, start, err)
	}()

	result, err = fn()
	return result, nil, nil
}

func (s *Server) observe(ctx context.Context, tool string, args any, start time.Time, err error) {
	elapsed := time.Since(start)
	attrs := []any{slog.String("tool", tool), slog.Int64("duration_ms", elapsed.Milliseconds())}
	if err != nil {
		mcpLog.Warn("tool_failed", append(attrs, slog.String("error", err.Error()))...)
	} else {
		mcpLog.Debug("tool_ok", attrs...)
	}

	if s.recorder == nil {
		return
	}
	session, _ := s.manager.Current()
	entry := journal.Entry{
		Tool:     tool,
		Session:  session,
		Args:     encodeArgs(args),
		OK:       err == nil,
		Duration: elapsed,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	// The journal is an audit trail; a cancelled request still gets its entry.
	if _, jerr := s.recorder.Record(context.WithoutCancel(ctx), entry); jerr != nil {
		mcpLog.Warn("journal_record_failed", slog.String("tool", tool), slog.String("error", jerr.Error()))
	}
}

func encodeArgs(args any) json.RawMessage {
	if args == nil {
		return nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return b
}

func textResult(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, a...)}},
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(b)}},
	}, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: "Error: " + err.Error()}},
	}
}
