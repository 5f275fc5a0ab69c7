package services

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"companionbridge/internal/config"
)

const (
	summaryFileName = ".companion-summary.md"
	stateFileName   = ".companion-state.md"
)

// ContextManager owns the two on-disk persistence artifacts and the
// prompt transformations around them. It never sends messages of its own;
// it only rewrites the prompt string and records bookkeeping on the
// session.
type ContextManager struct {
	cfg *config.Config
}

// NewContextManager creates a context manager rooted at CONTEXT_DIR.
func NewContextManager(cfg *config.Config) *ContextManager {
	return &ContextManager{cfg: cfg}
}

// SummaryPath returns the absolute path of the rolling summary file.
func (cm *ContextManager) SummaryPath() string {
	return filepath.Join(cm.cfg.ContextDir, summaryFileName)
}

// StatePath returns the absolute path of the structured state file.
func (cm *ContextManager) StatePath() string {
	return filepath.Join(cm.cfg.ContextDir, stateFileName)
}

// FileSize returns the size of a context file in bytes, 0 when missing.
func (cm *ContextManager) FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// WrapPrompt applies recovery injection (first prompt of a session) and
// post-response instructions (every prompt) per the active strategy.
func (cm *ContextManager) WrapPrompt(session *Session, prompt string) string {
	strategy := cm.cfg.Strategy()
	if strategy == config.StrategyNone {
		if done, _, _, _ := session.ContextSnapshot(); !done {
			session.MarkContextRecoveryDone()
		}
		return prompt
	}

	recoveryDone, lastPct, lastSummaryPct, _ := session.ContextSnapshot()

	var builder strings.Builder

	if !recoveryDone {
		if strategy == config.StrategySummary || strategy == config.StrategyHybrid {
			if content := cm.readFile(cm.SummaryPath()); content != "" {
				writeRecoveryBlock(&builder, "PRIOR CONVERSATION SUMMARY", content)
			}
		}
		if strategy == config.StrategyStateful || strategy == config.StrategyHybrid {
			if content := cm.readFile(cm.StatePath()); content != "" {
				writeRecoveryBlock(&builder, "PRIOR SESSION STATE", content)
			}
		}
		// Marked regardless of whether any file had content: the wrapper
		// ran, and it only runs once per session.
		session.MarkContextRecoveryDone()
	}

	builder.WriteString(prompt)

	if strategy == config.StrategyStateful || strategy == config.StrategyHybrid {
		cm.appendStateInstruction(&builder)
	}

	if strategy == config.StrategySummary || strategy == config.StrategyHybrid {
		threshold := cm.nextCompactionPct(lastSummaryPct)
		if lastPct >= threshold {
			session.SetLastSummaryPct(lastPct)
			cm.appendSummaryInstruction(&builder)
			log.Printf("📦 [CONTEXT] Compaction scheduled for %s at %d%% (threshold %d%%)",
				session.Key, lastPct, threshold)
		}
	}

	return builder.String()
}

// NextCompactionPct reports the context percentage at which the next
// summary compaction will trigger for the session.
func (cm *ContextManager) NextCompactionPct(session *Session) int {
	_, _, lastSummaryPct, _ := session.ContextSnapshot()
	return cm.nextCompactionPct(lastSummaryPct)
}

func (cm *ContextManager) nextCompactionPct(lastSummaryPct int) int {
	if lastSummaryPct == 0 {
		return cm.cfg.SummaryTriggerPct
	}
	return lastSummaryPct + cm.cfg.SummaryRecompactPct
}

func writeRecoveryBlock(builder *strings.Builder, title, content string) {
	fmt.Fprintf(builder, "=== %s (recovered from a previous session) ===\n", title)
	builder.WriteString(strings.TrimSpace(content))
	builder.WriteString("\n=== END ")
	builder.WriteString(title)
	builder.WriteString(" ===\n")
	builder.WriteString("Use the block above as background context for this conversation. Do not repeat or mention it to the user.\n\n")
}

func (cm *ContextManager) appendStateInstruction(builder *strings.Builder) {
	fmt.Fprintf(builder, `

---
After you finish responding, silently overwrite the file at %s with a markdown snapshot of this session, under 2000 characters, using exactly these sections:
## Active Task
## Decisions Made
## Current State
## Files Modified
## Next Steps
## Open Questions
Do this with your file tools without mentioning it in your response.`, cm.StatePath())
}

func (cm *ContextManager) appendSummaryInstruction(builder *strings.Builder) {
	fmt.Fprintf(builder, `

---
After you finish responding, silently overwrite the file at %s with a prose summary of this entire session so far, 3000-5000 characters, covering: what was asked, what was done, key decisions and their reasons, current state of the work, and anything unresolved. Write it as flowing markdown prose. Do this with your file tools without mentioning it in your response.`, cm.SummaryPath())
}

// readFile is best-effort: a missing or unreadable file yields empty
// content and recovery simply proceeds without it.
func (cm *ContextManager) readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("⚠️ [CONTEXT] Failed to read %s: %v", path, err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}
