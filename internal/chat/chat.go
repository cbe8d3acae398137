// Package chat relays session text chat through the shared store. Each
// message is one document under the session's chat prefix, keyed by a
// ksuid so lexicographic key order is creation order and no coordination
// is needed to sort a listing.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/opencoop/relay/internal/backend"
	"github.com/opencoop/relay/internal/wire"
	"github.com/opencoop/relay/pkg/core"
)

var (
	ErrEmptyMessage = errors.New("empty chat message")
	ErrNotBound     = errors.New("chat relay not bound to a session")
)

// Options configure the relay.
type Options struct {
	LocalID   string
	LocalName string

	FetchCooldown time.Duration
	HistoryLimit  int
	MaxTextLength int
	MaxNameLength int
}

const (
	defaultFetchCooldown = 500 * time.Millisecond
	defaultHistoryLimit  = 50
	// seenLimit bounds the dedup set; ksuids are time-ordered so the
	// oldest ids are the safest to forget.
	seenLimit = 512
)

// Relay fetches and posts chat for one session at a time.
type Relay struct {
	client backend.Client
	log    zerolog.Logger
	opts   Options

	mu        sync.Mutex
	sessionID string
	seen      map[string]struct{}
	seenOrder []string
	lastFetch time.Time

	now   func() time.Time
	newID func() string
}

// New creates an unbound relay.
func New(client backend.Client, log zerolog.Logger, opts Options) *Relay {
	if opts.FetchCooldown <= 0 {
		opts.FetchCooldown = defaultFetchCooldown
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = wire.MaxChatLength
	}
	if opts.MaxNameLength <= 0 {
		opts.MaxNameLength = wire.MaxNameLength
	}
	return &Relay{
		client: client,
		log:    log,
		opts:   opts,
		seen:   make(map[string]struct{}),
		now:    time.Now,
		newID:  func() string { return ksuid.New().String() },
	}
}

// Bind attaches the relay to a session and clears message state.
func (r *Relay) Bind(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = sessionID
	r.seen = make(map[string]struct{})
	r.seenOrder = nil
	r.lastFetch = time.Time{}
}

// Reset detaches the relay.
func (r *Relay) Reset() {
	r.Bind("")
}

// Send posts one message. The message id is marked seen up front so the
// next fetch does not echo our own text back.
func (r *Relay) Send(ctx context.Context, text string) (core.ChatMessage, error) {
	r.mu.Lock()
	sessionID := r.sessionID
	r.mu.Unlock()
	if sessionID == "" {
		return core.ChatMessage{}, ErrNotBound
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return core.ChatMessage{}, ErrEmptyMessage
	}
	text = wire.Truncate(text, r.opts.MaxTextLength)

	id := r.newID()
	nowMs := r.now().UnixMilli()
	rec := wire.CompactChat{
		Sender:     r.opts.LocalID,
		SenderName: wire.TruncateName(r.opts.LocalName),
		Text:       text,
		Timestamp:  nowMs,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return core.ChatMessage{}, fmt.Errorf("marshal chat: %w", err)
	}

	r.markSeen(id)
	if err := r.client.Put(ctx, backend.ChatKey(sessionID, id), raw); err != nil {
		return core.ChatMessage{}, fmt.Errorf("post chat: %w", err)
	}

	return core.ChatMessage{
		ID:         id,
		SenderID:   rec.Sender,
		SenderName: rec.SenderName,
		Text:       rec.Text,
		Timestamp:  nowMs,
	}, nil
}

// Fetch returns messages not yet seen, oldest first. Inside the cooldown
// window it returns nil without touching the backend.
func (r *Relay) Fetch(ctx context.Context) ([]core.ChatMessage, error) {
	r.mu.Lock()
	sessionID := r.sessionID
	if sessionID == "" {
		r.mu.Unlock()
		return nil, ErrNotBound
	}
	now := r.now()
	if now.Sub(r.lastFetch) < r.opts.FetchCooldown {
		r.mu.Unlock()
		return nil, nil
	}
	r.lastFetch = now
	r.mu.Unlock()

	docs, err := r.client.List(ctx, backend.ChatPrefix(sessionID))
	if err != nil {
		return nil, fmt.Errorf("fetch chat: %w", err)
	}

	// Only the newest HistoryLimit messages count; a client joining a
	// long-lived session should not replay the whole backlog. Ids are
	// ksuids, so key order is creation order.
	keys := make([]string, 0, len(docs))
	for key := range docs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) > r.opts.HistoryLimit {
		keys = keys[len(keys)-r.opts.HistoryLimit:]
	}

	// Non-nil even when empty so callers can tell a real fetch from a
	// cooldown skip.
	fresh := make([]core.ChatMessage, 0, len(keys))
	for _, key := range keys {
		id := backend.LastSegment(key)
		if r.isSeen(id) {
			continue
		}
		var rec wire.CompactChat
		if err := json.Unmarshal(docs[key], &rec); err != nil {
			r.log.Warn().Str("key", key).Err(err).Msg("skipping malformed chat doc")
			r.markSeen(id)
			continue
		}
		r.markSeen(id)
		fresh = append(fresh, core.ChatMessage{
			ID:         id,
			SenderID:   rec.Sender,
			SenderName: rec.SenderName,
			Text:       rec.Text,
			Timestamp:  rec.Timestamp,
		})
	}
	return fresh, nil
}

// PruneHistory trims the stored log to the history limit. Meant to be
// run by the host; losers of a concurrent prune just delete absent keys.
func (r *Relay) PruneHistory(ctx context.Context) (int, error) {
	r.mu.Lock()
	sessionID := r.sessionID
	r.mu.Unlock()
	if sessionID == "" {
		return 0, ErrNotBound
	}

	docs, err := r.client.List(ctx, backend.ChatPrefix(sessionID))
	if err != nil {
		return 0, fmt.Errorf("list chat: %w", err)
	}
	if len(docs) <= r.opts.HistoryLimit {
		return 0, nil
	}

	keys := make([]string, 0, len(docs))
	for key := range docs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	excess := keys[:len(keys)-r.opts.HistoryLimit]
	pruned := 0
	for _, key := range excess {
		if err := r.client.Delete(ctx, key); err != nil {
			r.log.Warn().Str("key", key).Err(err).Msg("chat prune delete failed")
			continue
		}
		pruned++
	}
	return pruned, nil
}

func (r *Relay) isSeen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[id]
	return ok
}

func (r *Relay) markSeen(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return
	}
	r.seen[id] = struct{}{}
	r.seenOrder = append(r.seenOrder, id)

	for len(r.seenOrder) > seenLimit {
		oldest := r.seenOrder[0]
		r.seenOrder = r.seenOrder[1:]
		delete(r.seen, oldest)
	}
}

// SeenCount returns the dedup set size.
func (r *Relay) SeenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
