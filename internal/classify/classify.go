// Package classify tags submitted input as a shell command or a
// natural-language prompt. The session engine treats the classifier as
// an injected capability and only stores the resulting tag.
package classify

import (
	"strings"
	"unicode"

	"github.com/gitworkflows/blockterm/internal/block"
)

// Classifier tags one line of submitted input.
type Classifier interface {
	Classify(input string) block.Kind
}

// Func adapts a plain function to the Classifier interface.
type Func func(input string) block.Kind

func (f Func) Classify(input string) block.Kind { return f(input) }

// Command returns a classifier that tags everything as a command,
// for callers that bring their own detection.
func Command() Classifier {
	return Func(func(string) block.Kind { return block.KindCommand })
}

// Heuristic returns the default lexical detector. It leans toward
// KindCommand: misrouting a command to an agent is worse than running
// a question through the shell, which fails loudly.
func Heuristic() Classifier {
	return Func(heuristic)
}

var questionWords = map[string]bool{
	"how": true, "what": true, "why": true, "when": true, "where": true,
	"who": true, "which": true, "can": true, "could": true, "should": true,
	"please": true, "explain": true, "show": true, "tell": true, "help": true,
}

func heuristic(input string) block.Kind {
	text := strings.TrimSpace(input)
	if text == "" {
		return block.KindCommand
	}

	if strings.HasSuffix(text, "?") {
		return block.KindPrompt
	}

	fields := strings.Fields(text)
	first := strings.ToLower(fields[0])

	// Shell syntax anywhere wins.
	if strings.ContainsAny(text, "|&;<>$`") || strings.HasPrefix(text, "./") ||
		strings.HasPrefix(text, "/") || strings.HasPrefix(text, "~") {
		return block.KindCommand
	}

	if questionWords[first] && len(fields) >= 3 {
		return block.KindPrompt
	}

	// Long sentences of plain words read as natural language; terse
	// token runs read as commands.
	if len(fields) >= 6 && allAlphabetic(fields) {
		return block.KindPrompt
	}

	return block.KindCommand
}

func allAlphabetic(fields []string) bool {
	for _, f := range fields {
		for _, r := range f {
			if !unicode.IsLetter(r) && r != '\'' && r != ',' && r != '.' {
				return false
			}
		}
	}
	return true
}
