// Package content defines items collected by agent executors.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// PlaceholderPrefix marks synthesized items produced when an upstream
// source returned nothing usable.
const PlaceholderPrefix = "[Placeholder] "

// Item is a single piece of collected content.
type Item struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	AgentID     string     `json:"agent_id"`
	RunID       string     `json:"run_id"`
	Source      string     `json:"source"`
	ExternalID  string     `json:"external_id"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	URL         string     `json:"url,omitempty"`
	Author      string     `json:"author,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Placeholder bool       `json:"placeholder"`
	ContentHash string     `json:"content_hash"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DedupKey identifies an item per user and source.
func (i *Item) DedupKey() string {
	return i.UserID + ":" + i.Source + ":" + i.ExternalID
}

// Hash computes a stable digest of the item's textual content.
func Hash(title, body string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(title) + "\n" + strings.TrimSpace(body)))
	return hex.EncodeToString(sum[:])
}

// SeenKey is the cache key marking the item as already collected. It only
// uses characters valid in NATS KV keys.
func (i *Item) SeenKey() string {
	sum := sha256.Sum256([]byte(i.DedupKey()))
	return "seen." + hex.EncodeToString(sum[:16])
}
