package segment

import (
	"fmt"
	"strings"
	"time"

	"evermem/internal/memtypes"
)

const boundarySystem = `You segment a chat stream into topically coherent episodes.
Given numbered messages, decide whether a topic boundary exists. A boundary means
messages 1..split_index form one finished episode and everything after it belongs
to the next topic. Prefer no_boundary when the conversation is still developing.
Respond with JSON only, one of:
{"decision":"no_boundary"}
{"decision":"boundary","split_index":N,"subject":"short title",
"summary":"one paragraph","episode":"full narrative of messages 1..N",
"participants":["sender ids"],"keywords":["..."]}`

func boundaryPrompt(window []memtypes.PendingMessage, lastCell *memtypes.MemCell, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n", now.Format(time.RFC3339))
	if lastCell != nil {
		fmt.Fprintf(&b, "Previous episode (%s): %s\n", lastCell.Subject, lastCell.Summary)
	}
	fmt.Fprintf(&b, "\nMessages (%d):\n", len(window))
	for i, m := range window {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(&b, "%d. [%s] %s (%s): %s\n", i+1, m.CreatedAt.Format(time.RFC3339), name, m.SenderID, m.Content)
	}
	return b.String()
}
