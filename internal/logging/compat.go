package logging

import (
	"bytes"
	"log/slog"
	"strings"
)

// BridgeWriter wraps slog as an io.Writer so that stdlib log output (from
// termpilot itself or from libraries) flows through structured logging. A
// leading "[CATEGORY] " prefix becomes the component field.
type BridgeWriter struct {
	component string
}

// NewBridgeWriter creates a writer that forwards writes to slog.
// The defaultComponent is used when no [CATEGORY] prefix is found.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent}
}

// Write implements io.Writer. Each write is treated as one log line.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}

	msg = stripLogTimestamp(msg)

	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = strings.ToLower(msg[1:idx])
			msg = msg[idx+2:]
		}
	}

	Logger().Info(msg, slog.String("component", canonicalComponent(component)))
	return n, nil
}

// stripLogTimestamp removes the date/time prefix the stdlib log package adds
// with its default flags ("2006/01/02 15:04:05 ") or with Ltime only.
func stripLogTimestamp(s string) string {
	if len(s) > 20 && s[4] == '/' && s[7] == '/' && s[10] == ' ' && s[13] == ':' && s[19] == ' ' {
		return s[20:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

// canonicalComponent maps known log prefixes to canonical component names.
func canonicalComponent(cat string) string {
	switch cat {
	case "mcp", "jsonrpc", "stdio":
		return CompMCP
	case "zmx", "registry":
		return CompRegistry
	case "osascript", "automation", "capture":
		return CompAutomation
	case "terminal", "wait", "manager":
		return CompTerminal
	case "journal", "sqlite":
		return CompJournal
	default:
		return cat
	}
}
