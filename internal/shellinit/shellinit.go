// Package shellinit renders the shell-integration snippet that emits
// the marker sequences the demultiplexer frames blocks with. The
// snippet and the demultiplexer share a versioned wire contract;
// mixing versions is detected at parse time, never silently misread.
package shellinit

import (
	"fmt"
	"strings"
)

// Version must match demux.ProtocolVersion.
const Version = 1

// Supported returns the shells a snippet can be rendered for.
func Supported() []string {
	return []string{"bash", "zsh"}
}

// Script returns the init snippet for the named shell.
func Script(shell string) (string, error) {
	switch strings.ToLower(shell) {
	case "bash":
		return bashScript, nil
	case "zsh":
		return zshScript, nil
	default:
		return "", fmt.Errorf("no shell integration for %q (supported: %s)",
			shell, strings.Join(Supported(), ", "))
	}
}

// Marker layout: ESC ] 7717 ; BT<version> ; <kind> [; <field>] BEL.
// The cwd field is base64-encoded because directory names may contain
// the field separator.
var (
	bashScript = fmt.Sprintf(`# blockterm shell integration (bash), protocol v%[1]d
__blockterm_osc() { printf '\033]7717;BT%[1]d;%%s\007' "$1"; }

__blockterm_prompt() {
  local code=$?
  if [ -n "${__BLOCKTERM_RAN:-}" ]; then
    __blockterm_osc "end;${code}"
  fi
  __BLOCKTERM_RAN=1
  __blockterm_osc "cwd;$(printf '%%s' "$PWD" | base64 | tr -d '\n')"
  __blockterm_osc "prompt"
}

__blockterm_osc "shell;bash"
PROMPT_COMMAND="__blockterm_prompt${PROMPT_COMMAND:+;$PROMPT_COMMAND}"
`, Version)

	zshScript = fmt.Sprintf(`# blockterm shell integration (zsh), protocol v%[1]d
__blockterm_osc() { printf '\033]7717;BT%[1]d;%%s\007' "$1"; }

__blockterm_precmd() {
  local code=$?
  if [ -n "${__BLOCKTERM_RAN:-}" ]; then
    __blockterm_osc "end;${code}"
  fi
  __BLOCKTERM_RAN=1
  __blockterm_osc "cwd;$(print -rn -- "$PWD" | base64 | tr -d '\n')"
  __blockterm_osc "prompt"
}

__blockterm_osc "shell;zsh"
autoload -Uz add-zsh-hook
add-zsh-hook precmd __blockterm_precmd
`, Version)
)
