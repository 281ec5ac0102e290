package relationship

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Neo-101/story-trace/internal/corpus"
	"github.com/Neo-101/story-trace/internal/narrative"
)

// BuildPrompt renders the previous state and the new evidence into the
// incremental analysis prompt. The output is a pure function of its inputs.
func (s *Strategy) BuildPrompt(prev narrative.State, evidence narrative.Evidence) string {
	d, err := Decode(prev)
	if err != nil {
		d.Source, d.Target, _ = corpus.SplitPair(prev.EntityID)
	}
	threads, _ := json.Marshal(prev.UnresolvedThreads)
	if prev.UnresolvedThreads == nil {
		threads = []byte("[]")
	}

	var events strings.Builder
	for _, f := range evidence.Fragments {
		fmt.Fprintf(&events, "- Unit %d: %s\n", evidence.Position, f)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a literary analyst tracking the relationship between %s and %s.\n\n", d.Source, d.Target)
	fmt.Fprintf(&b, "### Previous State (up to unit %d)\n", prev.Position)
	fmt.Fprintf(&b, "- Archetype: %s\n", d.Archetype)
	fmt.Fprintf(&b, "- Stage: %s\n", d.Stage)
	fmt.Fprintf(&b, "- Trust: %d/100 | Romance: %d/100 | Conflict: %d/100\n", d.Trust, d.Romance, d.Conflict)
	fmt.Fprintf(&b, "- Summary: %s\n", prev.Summary)
	fmt.Fprintf(&b, "- Unresolved Threads: %s\n\n", threads)
	b.WriteString("### New Events (current unit)\n")
	b.WriteString(events.String())
	b.WriteString(`
### Task
Analyze how the relationship has EVOLVED based on the new events.
1. Update the metrics (trust, romance, conflict) on a 0-100 scale. If nothing significant changed, keep them stable.
2. REWRITE the summary so it describes the whole relationship including the new events. Keep it under 300 words and retain important history.
3. List the threads between them that remain unresolved.
`)
	fmt.Fprintf(&b, "\nIMPORTANT: all text values MUST be written in %s. Archetype and stage should be short labels.\n", s.language)
	b.WriteString(`
### Output Format (JSON only, no prose)
{
  "trust_level": int,
  "romance_level": int,
  "conflict_level": int,
  "dominant_archetype": "string",
  "current_stage": "string",
  "revised_summary": "string",
  "new_unresolved_threads": ["string"],
  "key_tags": ["string"]
}
`)
	return b.String()
}
