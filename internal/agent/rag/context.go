package rag

import (
	"fmt"
	"strings"
	"time"
)

// BuildContextBlock renders a retrieval bundle as the single
// system-role context message. Empty sections are omitted; an empty
// bundle yields "".
func BuildContextBlock(r Retrieval) string {
	if r.Empty() {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Relevant context\n")

	if len(r.Entities) > 0 {
		b.WriteString("### Entities\n")
		for _, res := range r.Entities {
			name := metaString(res.Metadata, "friendly_name")
			entityID := metaString(res.Metadata, "entity_id")
			state := metaString(res.Metadata, "state")
			area := metaString(res.Metadata, "area")
			if name == "" {
				name = entityID
			}
			line := fmt.Sprintf("- %s (%s)", name, entityID)
			var parts []string
			if state != "" {
				parts = append(parts, "state="+state)
			}
			if area != "" {
				parts = append(parts, "area="+area)
			}
			if len(parts) > 0 {
				line += " — " + strings.Join(parts, ", ")
			}
			b.WriteString(line + "\n")
		}
	}

	if len(r.Chunks) > 0 {
		b.WriteString("### Past conversations\n")
		for _, res := range r.Chunks {
			fmt.Fprintf(&b, "- [session %s, %s] %s\n",
				truncateID(res.SessionID),
				res.CreatedAt.Format(time.RFC3339),
				res.Text)
		}
	}

	if len(r.Memories) > 0 {
		b.WriteString("### Long-term memories\n")
		for _, res := range r.Memories {
			category := metaString(res.Metadata, "category")
			if category == "" {
				category = CategoryOther
			}
			fmt.Fprintf(&b, "- [%s, importance=%d] %s\n",
				category, metaInt(res.Metadata, "importance"), res.Text)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func metaInt(meta map[string]any, key string) int {
	if meta == nil {
		return 0
	}
	switch v := meta[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
