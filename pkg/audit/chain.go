// Package audit implements the tamper-evident audit log: an append-only
// JSONL file where each event is SHA-256 hash-linked to its predecessor.
// Payloads are field-masked before they are written.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// GenesisHash anchors the first event of a chain.
const GenesisHash = "GENESIS"

const redacted = "***REDACTED***"

// Event is one audit record. Hash covers the canonical JSON of the event
// without the Hash field itself.
type Event struct {
	TimestampUTC string         `json:"timestamp_utc"`
	EventType    string         `json:"event_type"`
	RunID        *string        `json:"run_id"`
	Payload      map[string]any `json:"payload"`
	PrevHash     string         `json:"prev_hash"`
	Hash         string         `json:"hash"`
}

// Verification is the outcome of replaying the chain from disk.
type Verification struct {
	Valid           bool   `json:"valid"`
	EventsChecked   int    `json:"events_checked"`
	HeadHash        string `json:"head_hash,omitempty"`
	FirstErrorIndex *int   `json:"first_error_index,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Hasher computes the chain hash for an event projection. It is satisfied by
// canonicalize.Hash and injected so the chain does not pick a codec itself.
type Hasher func(v any) (string, error)

// Chain appends hash-linked events to a single log file. The in-memory head
// hash is loaded lazily from disk on the first append of the process and is
// guarded by a mutex, so appends within a process are totally ordered.
type Chain struct {
	mu          sync.Mutex
	path        string
	enabled     bool
	maskFields  map[string]struct{}
	hash        Hasher
	initialized bool
	lastHash    string
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a chain writing to path. maskFields are payload keys (matched
// case-insensitively, recursively) whose values are redacted before hashing.
func New(path string, maskFields []string, enabled bool, hash Hasher) *Chain {
	masks := make(map[string]struct{}, len(maskFields))
	for _, f := range maskFields {
		masks[strings.ToLower(strings.TrimSpace(f))] = struct{}{}
	}
	return &Chain{
		path:       path,
		enabled:    enabled,
		maskFields: masks,
		hash:       hash,
		lastHash:   GenesisHash,
		now:        time.Now,
		logger:     slog.Default().With("component", "audit"),
	}
}

// Append masks, hashes and writes one event, returning its hash.
// Disabled chains append nothing and return "".
func (c *Chain) Append(eventType string, runID string, payload map[string]any) (string, error) {
	if !c.enabled {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return "", fmt.Errorf("audit: ensure dir: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		c.lastHash = c.loadLastHash()
		c.initialized = true
	}

	event := Event{
		TimestampUTC: c.now().UTC().Format(time.RFC3339Nano),
		EventType:    eventType,
		RunID:        optional(runID),
		Payload:      maskValue(payload, "", c.maskFields).(map[string]any),
		PrevHash:     c.lastHash,
	}

	hash, err := c.hash(hashProjection(event))
	if err != nil {
		return "", fmt.Errorf("audit: hash event: %w", err)
	}
	event.Hash = hash

	line, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("audit: encode event: %w", err)
	}

	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("audit: append event: %w", err)
	}

	c.lastHash = hash
	return hash, nil
}

// Verify replays the log, recomputing every hash and prev_hash link.
func (c *Chain) Verify() Verification {
	events := c.readEvents()
	prevHash := GenesisHash
	for idx, event := range events {
		if event.PrevHash != prevHash {
			i := idx
			return Verification{
				Valid:           false,
				EventsChecked:   idx + 1,
				FirstErrorIndex: &i,
				Error:           "prev_hash_mismatch",
			}
		}
		computed, err := c.hash(hashProjection(event))
		if err != nil || computed != event.Hash {
			i := idx
			return Verification{
				Valid:           false,
				EventsChecked:   idx + 1,
				FirstErrorIndex: &i,
				Error:           "hash_mismatch",
			}
		}
		prevHash = computed
	}
	return Verification{Valid: true, EventsChecked: len(events), HeadHash: prevHash}
}

// Read returns up to limit most-recent events, optionally filtered by
// event type and run id. limit <= 0 returns everything.
func (c *Chain) Read(limit int, eventType, runID string) []Event {
	events := c.readEvents()
	if eventType != "" || runID != "" {
		filtered := events[:0:0]
		for _, event := range events {
			if eventType != "" && event.EventType != eventType {
				continue
			}
			if runID != "" && (event.RunID == nil || *event.RunID != runID) {
				continue
			}
			filtered = append(filtered, event)
		}
		events = filtered
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

func (c *Chain) loadLastHash() string {
	events := c.readEvents()
	if len(events) == 0 {
		return GenesisHash
	}
	return events[len(events)-1].Hash
}

func (c *Chain) readEvents() []Event {
	f, err := os.Open(c.path)
	if err != nil {
		return nil
	}
	defer f.Close() //nolint:errcheck

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			c.logger.Warn("skipping unparseable audit line", "error", err)
			continue
		}
		events = append(events, event)
	}
	return events
}

// hashProjection is the exact structure hashed for chain links: the event
// without its hash field, keys canonical-sorted by the Hasher.
func hashProjection(e Event) map[string]any {
	var runID any
	if e.RunID != nil {
		runID = *e.RunID
	}
	return map[string]any{
		"timestamp_utc": e.TimestampUTC,
		"event_type":    e.EventType,
		"run_id":        runID,
		"payload":       e.Payload,
		"prev_hash":     e.PrevHash,
	}
}

func maskValue(value any, key string, masks map[string]struct{}) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = maskValue(item, k, masks)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = maskValue(item, key, masks)
		}
		return out
	default:
		if key != "" {
			if _, hit := masks[strings.ToLower(key)]; hit {
				return redacted
			}
		}
		return value
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
