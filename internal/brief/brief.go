// Package brief renders the deterministic context brief handed to the model
// on every step. Identical inputs produce identical bytes: no clocks, no map
// iteration, fixed section order.
package brief

import (
	"fmt"
	"strings"
	"time"

	"github.com/aos-labs/contextd/internal/model"
)

// MinConfidence filters retrieved long-term memory out of the brief.
const MinConfidence = 0.8

// Render produces the markdown context brief. ltm may be nil.
func Render(ws *model.WorkingSet, ltm []model.SearchResult) string {
	var b strings.Builder

	b.WriteString("# CONTEXT BRIEF\n\n")

	b.WriteString("## 1. OBJECTIVE\n")
	writeLine(&b, orUnset(strings.TrimSpace(ws.Objective)))
	b.WriteString("\n")

	b.WriteString("## 2. ACCEPTANCE CRITERIA\n")
	writeList(&b, ws.AcceptanceCriteria)
	b.WriteString("\n")

	b.WriteString("## 3. CONSTRAINTS & BUDGETS\n")
	writeList(&b, ws.Constraints)
	b.WriteString("\n")

	b.WriteString("## 4. PINNED CONTEXT\n")
	if len(ws.PinnedContext) == 0 {
		b.WriteString("- (none)\n")
	}
	for _, it := range ws.PinnedContext {
		fmt.Fprintf(&b, "- %s (id=%s)\n", strings.TrimSpace(it.Content), it.ID)
	}
	b.WriteString("\n")

	b.WriteString("## 5. RECENT / SLIDING CONTEXT\n")
	if len(ws.SlidingContext) == 0 {
		b.WriteString("- (none)\n")
	}
	for _, it := range ws.SlidingContext {
		fmt.Fprintf(&b, "- %s (pri=%d ts=%s)\n",
			strings.TrimSpace(it.Content), it.Priority, it.Timestamp.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")

	b.WriteString("## 6. RETRIEVED LONG-TERM MEMORY\n")
	shown := 0
	for _, r := range ltm {
		if r.Item.Confidence < MinConfidence {
			continue
		}
		fmt.Fprintf(&b, "- %s (memory_id=%s conf=%.2f)\n",
			strings.TrimSpace(r.Item.Content), r.Item.ID, r.Item.Confidence)
		shown++
	}
	if shown == 0 {
		b.WriteString("- (none)\n")
	}
	b.WriteString("\n")

	b.WriteString("## 7. STATUS\n")
	fmt.Fprintf(&b, "- status: %s\n", ws.Status)
	fmt.Fprintf(&b, "- stage: %s\n", ws.CurrentStage)
	fmt.Fprintf(&b, "- next_action: %s\n", ws.NextAction)
	if len(ws.Blockers) == 0 {
		b.WriteString("- blockers: (none)\n")
	} else {
		b.WriteString("- blockers:\n")
		for _, bl := range ws.Blockers {
			fmt.Fprintf(&b, "  - %s\n", bl)
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeLine(b *strings.Builder, s string) {
	b.WriteString(s)
	b.WriteString("\n")
}

func writeList(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("- (none)\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func orUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}
