// Package keys maps logical key names ("enter", "ctrl+c", "a") to the
// primitives the macOS automation layer understands.
package keys

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sahilm/fuzzy"
)

// ErrUnknownKey is returned when a key name cannot be encoded.
var ErrUnknownKey = errors.New("unknown key")

// Kind is the delivery form of an encoded key.
type Kind int

const (
	// KindKeyCode is a virtual key code, optionally with a modifier.
	KindKeyCode Kind = iota
	// KindCharacter is a single character. Without a modifier it is plain
	// text injection; with one it is a modified keystroke (ctrl+c).
	KindCharacter
)

func (k Kind) String() string {
	switch k {
	case KindKeyCode:
		return "keycode"
	case KindCharacter:
		return "character"
	default:
		return "unknown"
	}
}

// Modifier is a System Events modifier clause ("control down").
type Modifier string

const (
	ModNone    Modifier = ""
	ModControl Modifier = "control down"
	ModOption  Modifier = "option down"
	ModShift   Modifier = "shift down"
	ModCommand Modifier = "command down"
)

// Event is a fully resolved key.
type Event struct {
	Name     string // normalized input name
	Kind     Kind
	Code     int    // valid when Kind == KindKeyCode
	Char     string // valid when Kind == KindCharacter
	Modifier Modifier
}

// IsText reports whether the event is plain text injection (a bare
// character with no modifier).
func (e Event) IsText() bool {
	return e.Kind == KindCharacter && e.Modifier == ModNone
}

// macOS virtual key codes (HIToolbox/Events.h).
var namedKeys = map[string]int{
	"enter":     36,
	"return":    36,
	"tab":       48,
	"space":     49,
	"delete":    51,
	"backspace": 51,
	"escape":    53,
	"esc":       53,
	"left":      123,
	"right":     124,
	"down":      125,
	"up":        126,
	"home":      115,
	"end":       119,
	"pageup":    116,
	"pagedown":  121,
	"f1":        122,
	"f2":        120,
	"f3":        99,
	"f4":        118,
	"f5":        96,
	"f6":        97,
	"f7":        98,
	"f8":        100,
	"f9":        101,
	"f10":       109,
	"f11":       103,
	"f12":       111,
}

var modifiers = map[string]Modifier{
	"ctrl":    ModControl,
	"control": ModControl,
	"alt":     ModOption,
	"option":  ModOption,
	"shift":   ModShift,
	"cmd":     ModCommand,
	"command": ModCommand,
}

// UnknownKeyError describes a key name that could not be encoded.
type UnknownKeyError struct {
	Key        string
	Suggestion string
}

func (e *UnknownKeyError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown key %q (did you mean %q?)", e.Key, e.Suggestion)
	}
	return fmt.Sprintf("unknown key %q", e.Key)
}

func (e *UnknownKeyError) Is(target error) bool {
	return target == ErrUnknownKey
}

// Encode resolves a key name. Names and modifiers are case-insensitive; a
// bare single character keeps its case because it is typed literally.
// Only one modifier per combination is supported.
func Encode(name string) (Event, error) {
	if name == "" {
		return Event{}, unknown(name)
	}

	// A bare character, including "+" itself, is typed literally.
	if utf8.RuneCountInString(name) == 1 {
		return Event{Name: name, Kind: KindCharacter, Char: name}, nil
	}

	lower := strings.ToLower(name)
	if code, ok := namedKeys[lower]; ok {
		return Event{Name: lower, Kind: KindKeyCode, Code: code}, nil
	}

	modPart, keyPart, found := strings.Cut(lower, "+")
	if !found || keyPart == "" {
		return Event{}, unknown(name)
	}
	mod, ok := modifiers[modPart]
	if !ok {
		return Event{}, unknown(name)
	}

	if code, ok := namedKeys[keyPart]; ok {
		return Event{Name: lower, Kind: KindKeyCode, Code: code, Modifier: mod}, nil
	}
	if utf8.RuneCountInString(keyPart) == 1 {
		return Event{Name: lower, Kind: KindCharacter, Char: keyPart, Modifier: mod}, nil
	}
	return Event{}, unknown(name)
}

// Names returns the supported named keys in sorted order.
func Names() []string {
	names := make([]string, 0, len(namedKeys))
	for n := range namedKeys {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func unknown(name string) error {
	return &UnknownKeyError{Key: name, Suggestion: suggest(name)}
}

// suggest returns the closest known key name or combination, if any.
func suggest(name string) string {
	lower := strings.ToLower(name)
	mod, rest, combo := strings.Cut(lower, "+")
	if !combo {
		return bestMatch(lower, Names())
	}
	if _, ok := modifiers[mod]; !ok {
		if m := bestMatch(mod, modifierNames()); m != "" {
			return m + "+" + rest
		}
		return ""
	}
	if m := bestMatch(rest, Names()); m != "" {
		return mod + "+" + m
	}
	return ""
}

func bestMatch(pattern string, candidates []string) string {
	if pattern == "" {
		return ""
	}
	matches := fuzzy.Find(pattern, candidates)
	if len(matches) == 0 {
		return ""
	}
	return matches[0].Str
}

func modifierNames() []string {
	names := make([]string, 0, len(modifiers))
	for n := range modifiers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
