package extract

import (
	"strings"

	"github.com/tsawler/prose/v3"
)

// TagEntities runs named-entity recognition over the episode text and
// returns deduplicated entity surface forms for the memcell's
// linked_entities field. NER failure is non-fatal; the episode simply
// carries no entity links.
func TagEntities(text string) []string {
	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, ent := range doc.Entities() {
		name := strings.TrimSpace(ent.Text)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
	}
	return out
}
