package recall

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/quantdesk/memoryd/internal/models"
)

const (
	// maxPromptMemories caps how many memories are injected into a prompt.
	maxPromptMemories = 12
	// maxPromptChars truncates each memory line so one verbose record cannot
	// crowd out the rest of the context window.
	maxPromptChars = 280
)

// FormatForPrompt renders recall results as a compact block for injection
// into an LLM system prompt. Returns "" when there is nothing to inject.
func FormatForPrompt(result *models.RecallResult) string {
	if result == nil || len(result.Memories) == 0 {
		return ""
	}

	memories := result.Memories
	if len(memories) > maxPromptMemories {
		memories = memories[:maxPromptMemories]
	}

	var b strings.Builder
	b.WriteString("Relevant trading memory:\n")
	for _, sm := range memories {
		m := sm.Memory
		text := m.Summary
		if text == "" {
			text = m.Content
		}
		text = strings.Join(strings.Fields(text), " ")
		if len(text) > maxPromptChars {
			text = truncateRune(text, maxPromptChars-3) + "..."
		}

		tags := make([]string, 0, 3)
		tags = append(tags, string(m.MemoryType))
		if len(m.Symbols) > 0 {
			tags = append(tags, strings.Join(m.Symbols, ","))
		}
		if m.ProtectionLevel <= models.ProtectionProtected {
			tags = append(tags, strings.ToLower(m.ProtectionLevel.String()))
		}

		fmt.Fprintf(&b, "- [%s] %s\n", strings.Join(tags, "|"), text)
	}
	return b.String()
}

// truncateRune cuts s to at most max bytes without splitting a UTF-8 rune.
func truncateRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
