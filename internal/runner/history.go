package runner

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/runefall/foreman/internal/llm"
)

// emergencyMinPairs is the pair budget used by the emergency compaction
// pass after a context-too-large provider error. A history already at
// this minimum that is still too large is a terminal failure.
const emergencyMinPairs = 4

const interruptedResult = "execution was interrupted"

// TokenEstimator approximates the token footprint of text. It uses the
// cl100k_base encoding when available and falls back to a bytes/4
// heuristic, so estimation never fails.
type TokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTokenEstimator creates an estimator. Encoding load failures are
// tolerated; the estimator degrades to the heuristic.
func NewTokenEstimator() *TokenEstimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TokenEstimator{}
	}
	return &TokenEstimator{enc: enc}
}

// Estimate returns the approximate token count of s.
func (e *TokenEstimator) Estimate(s string) int {
	if e == nil || e.enc == nil {
		return len(s) / 4
	}
	return len(e.enc.Encode(s, nil, nil))
}

// summaryStats accumulates what compaction has folded away so repeated
// passes merge into one synthetic turn instead of stacking summaries.
type summaryStats struct {
	toolCounts map[string]int
	succeeded  int
	failed     int
	excerpts   []string
}

// History is the ordered conversation sent to the model. The first turn
// is always the task turn; a synthetic summary turn, when present, sits
// immediately after it. Everything else is turn pairs (one assistant
// turn plus the environment turns answering it).
type History struct {
	turns  []llm.Turn
	stats  *summaryStats
	est    *TokenEstimator
	logger *slog.Logger
}

// NewHistory starts a conversation from the task turn.
func NewHistory(task llm.Turn, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		turns:  []llm.Turn{task},
		est:    NewTokenEstimator(),
		logger: logger.With("component", "history"),
	}
}

// Append adds a turn to the end of the conversation.
func (h *History) Append(t llm.Turn) {
	h.turns = append(h.turns, t)
}

// Turns returns the conversation in send order.
func (h *History) Turns() []llm.Turn {
	return h.turns
}

// Len returns the total turn count including task and summary turns.
func (h *History) Len() int { return len(h.turns) }

// prefixLen is the number of protected leading turns: the task turn
// plus the summary turn once one exists.
func (h *History) prefixLen() int {
	if h.stats != nil {
		return 2
	}
	return 1
}

// Pairs counts the turn pairs past the protected prefix. Each assistant
// turn opens one pair.
func (h *History) Pairs() int {
	n := 0
	for _, t := range h.turns[h.prefixLen():] {
		if t.Role == llm.RoleAssistant {
			n++
		}
	}
	return n
}

// Compact trims the history to at most maxPairs turn pairs, folding the
// dropped turns into the synthetic summary turn spliced after the task
// turn. When the computed cut point would separate a tool-result turn
// from its already-dropped invocation turn, the cut is extended to keep
// the pair together. Returns true if anything was trimmed.
func (h *History) Compact(maxPairs int) bool {
	if maxPairs < 1 {
		maxPairs = 1
	}
	excess := h.Pairs() - maxPairs
	if excess <= 0 {
		return false
	}

	prefix := h.prefixLen()
	body := h.turns[prefix:]

	cut := excess * 2
	if cut > len(body) {
		cut = len(body)
	}
	// A result turn must never be orphaned from its invocation turn.
	for cut < len(body) && danglingResultTurn(body[cut]) {
		cut++
	}

	dropped := body[:cut]
	h.absorb(dropped)

	kept := make([]llm.Turn, 0, prefix+len(body)-cut)
	kept = append(kept, h.turns[0]) // task turn
	kept = append(kept, h.summaryTurn())
	kept = append(kept, body[cut:]...)
	h.turns = kept

	h.logger.Debug("history compacted",
		"dropped_turns", len(dropped),
		"kept_pairs", h.Pairs(),
		"est_tokens", h.estimateTokens(),
	)
	return true
}

// danglingResultTurn reports whether t is an environment turn carrying
// tool results (whose invocation turn necessarily precedes it).
func danglingResultTurn(t llm.Turn) bool {
	if t.Role != llm.RoleEnvironment {
		return false
	}
	for _, b := range t.Blocks {
		if b.Type == llm.BlockToolResult {
			return true
		}
	}
	return false
}

// absorb folds dropped turns into the accumulated summary stats.
func (h *History) absorb(dropped []llm.Turn) {
	if h.stats == nil {
		h.stats = &summaryStats{toolCounts: make(map[string]int)}
	}

	// Result blocks carry only call IDs; map them back to tool names
	// through the invocations seen so far.
	callNames := make(map[string]string)

	excerptBudget := 5
	if h.estimateTokens() > 4000 {
		excerptBudget = 3
	}

	for _, t := range dropped {
		for _, b := range t.Blocks {
			switch b.Type {
			case llm.BlockToolCall:
				h.stats.toolCounts[b.ToolCall.Name]++
				callNames[b.ToolCall.ID] = b.ToolCall.Name
			case llm.BlockToolResult:
				if b.ToolResult.OK {
					h.stats.succeeded++
					continue
				}
				h.stats.failed++
				if len(h.stats.excerpts) < excerptBudget {
					name := callNames[b.ToolResult.CallID]
					if name == "" {
						name = "tool"
					}
					h.stats.excerpts = append(h.stats.excerpts,
						fmt.Sprintf("%s: %s", name, firstLine(b.ToolResult.Content, 160)))
				}
			}
		}
	}
}

// summaryTurn renders the accumulated stats as one environment turn.
func (h *History) summaryTurn() llm.Turn {
	var b strings.Builder
	b.WriteString("[Earlier turns were compacted to stay within the history budget.]\n")

	if len(h.stats.toolCounts) > 0 {
		names := make([]string, 0, len(h.stats.toolCounts))
		for name := range h.stats.toolCounts {
			names = append(names, name)
		}
		sort.Strings(names)

		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s x%d", name, h.stats.toolCounts[name]))
		}
		fmt.Fprintf(&b, "Tools used: %s\n", strings.Join(parts, ", "))
	}
	fmt.Fprintf(&b, "Tool outcomes: %d succeeded, %d failed\n", h.stats.succeeded, h.stats.failed)
	if len(h.stats.excerpts) > 0 {
		b.WriteString("Notable failures:\n")
		for _, e := range h.stats.excerpts {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}

	return llm.Turn{Role: llm.RoleEnvironment, Blocks: []llm.Block{llm.TextBlock(b.String())}}
}

// Repair scans for assistant turns whose tool invocations lack a
// matching result in the following turn and synthesizes a failure
// result for each missing one, so the conversation is always well
// formed before it is sent. Idempotent. Returns the number of results
// synthesized.
func (h *History) Repair() int {
	synthesized := 0

	for i := 0; i < len(h.turns); i++ {
		if h.turns[i].Role != llm.RoleAssistant {
			continue
		}
		calls := h.turns[i].ToolCalls()
		if len(calls) == 0 {
			continue
		}

		if i+1 >= len(h.turns) || h.turns[i+1].Role != llm.RoleEnvironment {
			// Insert an environment turn to hold the synthesized results.
			rest := append([]llm.Turn{{Role: llm.RoleEnvironment}}, h.turns[i+1:]...)
			h.turns = append(h.turns[:i+1], rest...)
		}

		next := &h.turns[i+1]
		for _, c := range calls {
			if next.ResultFor(c.ID) {
				continue
			}
			next.Blocks = append(next.Blocks, llm.Block{
				Type: llm.BlockToolResult,
				ToolResult: &llm.ToolResult{
					CallID:  c.ID,
					OK:      false,
					Content: interruptedResult,
				},
			})
			synthesized++
		}
	}

	if synthesized > 0 {
		h.logger.Warn("history repaired", "synthesized_results", synthesized)
	}
	return synthesized
}

// estimateTokens approximates the token footprint of the whole history.
func (h *History) estimateTokens() int {
	total := 0
	for _, t := range h.turns {
		for _, b := range t.Blocks {
			switch b.Type {
			case llm.BlockText:
				total += h.est.Estimate(b.Text)
			case llm.BlockToolResult:
				total += h.est.Estimate(b.ToolResult.Content)
			case llm.BlockToolCall:
				total += h.est.Estimate(b.ToolCall.Name) + 16
			}
		}
	}
	return total
}

// firstLine returns the first line of s, truncated to max bytes.
func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max]
	}
	return s
}
