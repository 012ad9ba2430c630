package prompt

import (
	"sort"
	"strings"
)

// Assembler combines conversation history, an optional system
// directive, auxiliary fragments, and the live user turn into a single
// ordered prompt.
type Assembler struct{}

func NewAssembler() *Assembler { return &Assembler{} }

// Build returns the ordered fragment sequence. History keeps its
// conversational order (oldest first). A non-empty system directive is
// prepended; the live turn, when present, always comes last. Auxiliary
// fragments sit between history and the live turn, sorted by
// (priority, origin).
func (a *Assembler) Build(history []Fragment, systemDirective string, liveTurn *Fragment, auxiliary []Fragment) []Fragment {
	out := make([]Fragment, 0, len(history)+len(auxiliary)+2)

	if directive := strings.TrimSpace(systemDirective); directive != "" {
		out = append(out, Fragment{
			Role:     RoleSystem,
			Text:     directive,
			Origin:   "system",
			Priority: 0,
		})
	}

	out = append(out, history...)

	if len(auxiliary) > 0 {
		sorted := make([]Fragment, len(auxiliary))
		copy(sorted, auxiliary)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Priority != sorted[j].Priority {
				return sorted[i].Priority < sorted[j].Priority
			}
			return sorted[i].Origin < sorted[j].Origin
		})
		out = append(out, sorted...)
	}

	if liveTurn != nil {
		out = append(out, *liveTurn)
	}

	return out
}

// Serialize flattens fragments to the plain-text form the upstream
// model expects: one "role: text" line per fragment, blank line between
// fragments.
func (a *Assembler) Serialize(fragments []Fragment) string {
	lines := make([]string, 0, len(fragments))
	for _, fragment := range fragments {
		lines = append(lines, string(fragment.Role)+": "+strings.TrimSpace(fragment.Text))
	}
	return strings.Join(lines, "\n\n")
}
