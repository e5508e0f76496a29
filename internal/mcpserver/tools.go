package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/asheshgoplani/termpilot/internal/keys"
	"github.com/asheshgoplani/termpilot/internal/terminal"
)

// emptyScreen is returned by get_screen_text when the window shows nothing.
const emptyScreen = "(screen is empty)"

var errMissingArg = errors.New("missing required argument")

type noArgs struct{}

type sessionArgs struct {
	SessionName string `json:"session_name" jsonschema:"name of the zmx session"`
}

type sendKeysArgs struct {
	Keys []string `json:"keys" jsonschema:"keys to press in order: single characters, named keys (enter, tab, escape, up, f5...) or one modifier combination (ctrl+c, cmd+left)"`
}

type typeTextArgs struct {
	Text string `json:"text" jsonschema:"text to type literally"`
}

type resizeArgs struct {
	Rows int `json:"rows" jsonschema:"number of rows"`
	Cols int `json:"cols" jsonschema:"number of columns"`
}

type restartArgs struct {
	Command string `json:"command,omitempty" jsonschema:"command to run in the fresh session; a new session name is generated when set"`
}

type waitTextArgs struct {
	Text      string `json:"text" jsonschema:"substring to wait for"`
	TimeoutMs int    `json:"timeout_ms,omitempty" jsonschema:"maximum wait in milliseconds (default 5000)"`
}

type waitStableArgs struct {
	TimeoutMs int `json:"timeout_ms,omitempty" jsonschema:"maximum wait in milliseconds (default 5000)"`
	StableMs  int `json:"stable_ms,omitempty" jsonschema:"how long the screen must stay unchanged in milliseconds (default 500)"`
}

type waitTextResult struct {
	Found     bool  `json:"found"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

type waitStableResult struct {
	Stable    bool  `json:"stable"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "create_session",
		Description: "Open a Terminal window attached to a zmx session, creating the session if it does not exist. The window becomes the current terminal for all other tools.",
	}, s.handleCreateSession)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "send_keystrokes",
		Description: "Press keys in the current terminal, in order. Stops at the first unknown key; keys before it stay sent. Named keys: " +
			strings.Join(keys.Names(), ", ") + ". Modifiers: ctrl, alt/option, shift, cmd.",
	}, s.handleSendKeystrokes)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "type_text",
		Description: "Type text into the current terminal exactly as given. Does not press enter unless the text contains a newline.",
	}, s.handleTypeText)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_screenshot",
		Description: "Capture the current terminal window as a PNG image. Needs Screen Recording permission.",
	}, s.handleGetScreenshot)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_screen_text",
		Description: "Return the visible text of the current terminal window.",
	}, s.handleGetScreenText)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_status",
		Description: "Report the current session, whether its window is active, the window id, and every session zmx knows about.",
	}, s.handleGetStatus)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List zmx sessions with their pid and attached client count.",
	}, s.handleListSessions)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "kill_session",
		Description: "Kill a zmx session by name. Killing the current session clears the current terminal.",
	}, s.handleKillSession)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "kill_all_sessions",
		Description: "Kill every zmx session and clear the current terminal.",
	}, s.handleKillAllSessions)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "resize_terminal",
		Description: "Resize the current terminal window to the given rows and columns.",
	}, s.handleResizeTerminal)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "close_terminal",
		Description: "Close the current terminal window. The zmx session keeps running.",
	}, s.handleCloseTerminal)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "restart_terminal",
		Description: "Close the current window, kill its session and open a fresh one. With a command, the new session gets a new name and the command is typed and entered once it has settled.",
	}, s.handleRestartTerminal)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "wait_for_text",
		Description: "Poll the screen until it contains the given text (plain substring) or the timeout passes.",
	}, s.handleWaitForText)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "wait_for_stable",
		Description: "Poll the screen until it has stopped changing for stable_ms or the timeout passes.",
	}, s.handleWaitForStable)
}

func (s *Server) handleCreateSession(ctx context.Context, _ *mcp.CallToolRequest, args sessionArgs) (*mcp.CallToolResult, any, error) {
	return s.call(ctx, "create_session", args, func() (*mcp.CallToolResult, error) {
		if strings.TrimSpace(args.SessionName) == "" {
			return nil, fmt.Errorf("%w: session_name", errMissingArg)
		}
		created, err := s.manager.CreateSession(ctx, args.SessionName)
		if err != nil {
			return nil, err
		}
		return textResult("Created session %s in window %s", created.Session, created.Window), nil
	})
}

func (s *Server) handleSendKeystrokes(ctx context.Context, _ *mcp.CallToolRequest, args sendKeysArgs) (*mcp.CallToolResult, any, error) {
	return s.call(ctx, "send_keystrokes", args, func() (*mcp.CallToolResult, error) {
		if len(args.Keys) == 0 {
			return nil, fmt.Errorf("%w: keys", errMissingArg)
		}
		n, err := s.manager.SendKeys(ctx, args.Keys)
		if err != nil {
			return nil, fmt.Errorf("sent %d of %d keys: %w", n, len(args.Keys), err)
		}
		return textResult("Sent %d keys", n), nil
	})
}

func (s *Server) handleTypeText(ctx context.Context, _ *mcp.CallToolRequest, args typeTextArgs) (*mcp.CallToolResult, any, error) {
	// The journal gets the length, not the text.
	logged := map[string]int{"text_len": utf8.RuneCountInString(args.Text)}
	return s.call(ctx, "type_text", logged, func() (*mcp.CallToolResult, error) {
		n, err := s.manager.TypeText(ctx, args.Text)
		if err != nil {
			return nil, err
		}
		return textResult("Typed %d characters", n), nil
	})
}

func (s *Server) handleGetScreenshot(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	return s.call(ctx, "get_screenshot", nil, func() (*mcp.CallToolResult, error) {
		capture, err := s.manager.GetScreenshot(ctx)
		if err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.ImageContent{Data: capture.Data, MIMEType: capture.MIMEType}},
		}, nil
	})
}

func (s *Server) handleGetScreenText(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	return s.call(ctx, "get_screen_text", nil, func() (*mcp.CallToolResult, error) {
		text, err := s.manager.GetScreenText(ctx)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			text = emptyScreen
		}
		return textResult("%s", text), nil
	})
}

func (s *Server) handleGetStatus(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	return s.call(ctx, "get_status", nil, func() (*mcp.CallToolResult, error) {
		st, err := s.manager.GetStatus(ctx)
		if err != nil {
			return nil, err
		}
		return jsonResult(st)
	})
}

func (s *Server) handleListSessions(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	return s.call(ctx, "list_sessions", nil, func() (*mcp.CallToolResult, error) {
		sessions, err := s.manager.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		return jsonResult(sessions)
	})
}

func (s *Server) handleKillSession(ctx context.Context, _ *mcp.CallToolRequest, args sessionArgs) (*mcp.CallToolResult, any, error) {
	return s.call(ctx, "kill_session", args, func() (*mcp.CallToolResult, error) {
		if strings.TrimSpace(args.SessionName) == "" {
			return nil, fmt.Errorf("%w: session_name", errMissingArg)
		}
		if err := s.manager.KillSession(ctx, args.SessionName); err != nil {
			return nil, err
		}
		return textResult("Killed session %s", args.SessionName), nil
	})
}

func (s *Server) handleKillAllSessions(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	return s.call(ctx, "kill_all_sessions", nil, func() (*mcp.CallToolResult, error) {
		n, err := s.manager.KillAllSessions(ctx)
		if err != nil {
			return nil, err
		}
		return textResult("Killed %d sessions", n), nil
	})
}

func (s *Server) handleResizeTerminal(ctx context.Context, _ *mcp.CallToolRequest, args resizeArgs) (*mcp.CallToolResult, any, error) {
	return s.call(ctx, "resize_terminal", args, func() (*mcp.CallToolResult, error) {
		resized, err := s.manager.ResizeTerminal(ctx, args.Rows, args.Cols)
		if err != nil {
			return nil, err
		}
		if !resized {
			return textResult("No terminal window to resize"), nil
		}
		return textResult("Resized terminal to %d rows x %d cols", args.Rows, args.Cols), nil
	})
}

func (s *Server) handleCloseTerminal(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, any, error) {
	return s.call(ctx, "close_terminal", nil, func() (*mcp.CallToolResult, error) {
		if err := s.manager.Close(ctx); err != nil {
			return nil, err
		}
		return textResult("Closed terminal window"), nil
	})
}

func (s *Server) handleRestartTerminal(ctx context.Context, _ *mcp.CallToolRequest, args restartArgs) (*mcp.CallToolResult, any, error) {
	return s.call(ctx, "restart_terminal", args, func() (*mcp.CallToolResult, error) {
		name, err := s.manager.RestartTerminal(ctx, args.Command)
		if err != nil {
			return nil, err
		}
		return textResult("Restarted terminal as session %s", name), nil
	})
}

func (s *Server) handleWaitForText(ctx context.Context, _ *mcp.CallToolRequest, args waitTextArgs) (*mcp.CallToolResult, any, error) {
	return s.call(ctx, "wait_for_text", args, func() (*mcp.CallToolResult, error) {
		if args.Text == "" {
			return nil, fmt.Errorf("%w: text", errMissingArg)
		}
		res, err := s.manager.WaitForText(ctx, args.Text, millis(args.TimeoutMs))
		if err != nil {
			return nil, err
		}
		return jsonResult(waitTextResult{Found: res.OK, ElapsedMs: res.ElapsedMs()})
	})
}

func (s *Server) handleWaitForStable(ctx context.Context, _ *mcp.CallToolRequest, args waitStableArgs) (*mcp.CallToolResult, any, error) {
	return s.call(ctx, "wait_for_stable", args, func() (*mcp.CallToolResult, error) {
		res, err := s.manager.WaitForStable(ctx, millis(args.TimeoutMs), millis(args.StableMs))
		if err != nil {
			return nil, err
		}
		return jsonResult(waitStableResult{Stable: res.OK, ElapsedMs: res.ElapsedMs()})
	})
}

// millis converts a millisecond argument; zero or negative means "use the
// default" downstream.
func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

var _ Manager = (*terminal.Manager)(nil)
