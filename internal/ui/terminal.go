// Package ui provides terminal styling for caravan CLI output.
package ui

import (
	"os"
	"sync/atomic"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// agentMode is set by the CLI when --json is requested so renderers can
// skip decoration without threading a flag everywhere.
var agentMode atomic.Bool

// SetAgentMode switches all renderers to plain, machine-parseable output.
func SetAgentMode(on bool) {
	agentMode.Store(on)
}

// IsAgentMode reports whether output targets a machine consumer rather
// than a human terminal. The CARAVAN_AGENT_MODE environment variable
// forces it on for wrappers that can't pass --json.
func IsAgentMode() bool {
	return agentMode.Load() || os.Getenv("CARAVAN_AGENT_MODE") != ""
}

// IsTerminal reports whether stdout is a TTY.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColor reports whether output should be colored. It honors the
// conventional environment variables: NO_COLOR disables color and wins
// over everything, CLICOLOR=0 disables it, CLICOLOR_FORCE enables it even
// when stdout is not a TTY. With nothing set, color follows the TTY.
func ShouldUseColor() bool {
	if IsAgentMode() {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

// ShouldUseEmoji reports whether icon glyphs are appropriate.
// CARAVAN_NO_EMOJI turns them off for terminals with spotty glyph support.
func ShouldUseEmoji() bool {
	if os.Getenv("CARAVAN_NO_EMOJI") != "" {
		return false
	}
	return IsTerminal()
}
