package extract

import (
	"fmt"
	"strings"
	"time"

	"evermem/internal/memtypes"
)

const atomicEventsSystem = `You extract atomic events from a conversation episode.
An atomic event is one self-contained declarative clause that quotes or closely
paraphrases the episode. Do not merge unrelated facts into one event.
Respond with JSON only:
{"events":[{"atomic_fact":"...","event_type":"...","timestamp":"RFC3339 or YYYY-MM-DD",
"participants":["user_id"],"evidence":"literal quote"}]}`

func atomicEventsPrompt(cell memtypes.MemCell) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Episode occurred at %s.\n", cell.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Participants: %s\n\n", strings.Join(cell.Participants, ", "))
	fmt.Fprintf(&b, "Episode:\n%s\n\n", cell.Episode)
	fmt.Fprintf(&b, "Raw messages:\n%s", formatMessages(cell.OriginalData))
	return b.String()
}

const semanticSystem = `You extract semantic memories: generalized propositions about the
participants that hold over a time interval (for example "X works at Y from 2024-03").
Each memory needs a literal evidence quote from the episode and a start_time; leave
end_time empty when the proposition is still true. duration_days is optional.
Respond with JSON only:
{"memories":[{"content":"...","evidence":"...","start_time":"YYYY-MM-DD",
"end_time":"","duration_days":0}]}`

func semanticPrompt(cell memtypes.MemCell) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Episode occurred at %s.\n", cell.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "When a statement implies an earlier fact ended (moving cities, changing jobs), emit both memories: the old one closed with an end_time, the new one open.\n\n")
	fmt.Fprintf(&b, "Episode:\n%s\n\n", cell.Episode)
	fmt.Fprintf(&b, "Raw messages:\n%s", formatMessages(cell.OriginalData))
	return b.String()
}

const profileDeltasSystem = `You extract profile trait updates for the participants of an
episode. A delta is one observation: a category (occupation, location, preference,
personality, relationship, skill, ...), a short value, and an evidence quote.
Only emit deltas for users who actually spoke or were described in the episode.
Respond with JSON only:
{"deltas":[{"user_id":"...","category":"...","value":"...","evidence":"..."}]}`

func profileDeltasPrompt(cell memtypes.MemCell) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Participants: %s\n\n", strings.Join(cell.Participants, ", "))
	fmt.Fprintf(&b, "Episode:\n%s\n\n", cell.Episode)
	fmt.Fprintf(&b, "Raw messages:\n%s", formatMessages(cell.OriginalData))
	return b.String()
}
