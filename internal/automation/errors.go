package automation

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when macOS privacy controls block
	// automation, accessibility or screen recording.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrWindowNotFound is returned when a window handle cannot be resolved
	// to a capturable window.
	ErrWindowNotFound = errors.New("window not found")

	// ErrAutomation is returned for any other scripting failure.
	ErrAutomation = errors.New("automation failed")
)

// Remediation hints shown to the user alongside ErrPermissionDenied.
const (
	RemediationAutomation = "Open System Settings > Privacy & Security > Automation and allow the " +
		"MCP host to control Terminal and System Events; also enable it under Accessibility."
	RemediationScreenRecording = "Open System Settings > Privacy & Security > Screen Recording and " +
		"enable the MCP host, then restart it."
)

// PermissionError is an ErrPermissionDenied with the system settings pane
// the user has to visit.
type PermissionError struct {
	Op          string
	Detail      string
	Remediation string
}

func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("%s: permission denied", e.Op)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Remediation != "" {
		msg += ". " + e.Remediation
	}
	return msg
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// Remediation extracts the remediation hint from err, if any.
func Remediation(err error) string {
	var pe *PermissionError
	if errors.As(err, &pe) {
		return pe.Remediation
	}
	return ""
}
