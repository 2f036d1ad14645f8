package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Thioby/homeclaw-agent-sub000/internal/home"
	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// IndexEntities refreshes the entity index from a registry snapshot.
// Unchanged entities (same attributes digest) are skipped; entities no
// longer present are removed. Called at startup and on registry change
// events.
func (ix *Index) IndexEntities(ctx context.Context, entities []home.EntityState) error {
	existing, err := ix.entityDigests(ctx)
	if err != nil {
		return fmt.Errorf("load entity digests: %w", err)
	}

	seen := make(map[string]bool, len(entities))
	var fresh []Record
	for _, e := range entities {
		seen[e.EntityID] = true
		digest := attributesDigest(e)
		if existing[e.EntityID] == digest {
			continue
		}
		fresh = append(fresh, Record{
			ID:   "entity:" + e.EntityID,
			Kind: KindEntity,
			Text: entityText(e),
			Metadata: map[string]any{
				"entity_id":         e.EntityID,
				"domain":            entityDomain(e.EntityID),
				"friendly_name":     e.FriendlyName,
				"area":              e.Area,
				"device_class":      e.DeviceClass,
				"unit":              e.Unit,
				"state":             e.State,
				"attributes_digest": digest,
			},
		})
	}

	if len(fresh) > 0 {
		if err := ix.WriteBatch(ctx, fresh); err != nil {
			return fmt.Errorf("index entities: %w", err)
		}
	}

	removed := 0
	for entityID := range existing {
		if seen[entityID] {
			continue
		}
		if err := ix.Delete(ctx, "entity:"+entityID); err == nil {
			removed++
		}
	}

	logging.Infof("[rag] entity index refreshed: %d updated, %d removed, %d total", len(fresh), removed, len(entities))
	return nil
}

// entityText is the searchable rendition of an entity.
func entityText(e home.EntityState) string {
	text := e.FriendlyName
	if text == "" {
		text = e.EntityID
	}
	text += " (" + e.EntityID + ")"
	if e.Area != "" {
		text += " in " + e.Area
	}
	if e.DeviceClass != "" {
		text += ", " + e.DeviceClass
	}
	return text
}

// attributesDigest hashes the identity-relevant attributes so
// unchanged entities skip re-embedding.
func attributesDigest(e home.EntityState) string {
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(e.EntityID))
	h.Write([]byte(e.FriendlyName))
	h.Write([]byte(e.Area))
	h.Write([]byte(e.DeviceClass))
	h.Write([]byte(e.Unit))
	for _, k := range keys {
		v, _ := json.Marshal(e.Attributes[k])
		h.Write([]byte(k))
		h.Write(v)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (ix *Index) entityDigests(ctx context.Context) (map[string]string, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT metadata FROM rag_records WHERE kind = ?`, KindEntity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var metaJSON string
		if err := rows.Scan(&metaJSON); err != nil {
			return nil, err
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			continue
		}
		entityID := metaString(meta, "entity_id")
		if entityID != "" {
			out[entityID] = metaString(meta, "attributes_digest")
		}
	}
	return out, rows.Err()
}

func entityDomain(entityID string) string {
	for i := 0; i < len(entityID); i++ {
		if entityID[i] == '.' {
			return entityID[:i]
		}
	}
	return entityID
}
