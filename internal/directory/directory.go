// Package directory manages session membership on the shared store:
// creating, listing, joining, and leaving sessions, plus the heartbeat
// and host-failover machinery. There is no dedicated server; whoever
// hosts is just the member currently responsible for the heartbeat and
// the shared environment, and any member can take over.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opencoop/relay/internal/backend"
	"github.com/opencoop/relay/pkg/core"
)

// State is the connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateSearching
	StateHosting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSearching:
		return "searching"
	case StateHosting:
		return "hosting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionFull      = errors.New("session is full")
	ErrSessionStale     = errors.New("session host stopped heartbeating")
	ErrNotInSession     = errors.New("not in a session")
	ErrAlreadyInSession = errors.New("already in a session")
)

// Options configure the directory.
type Options struct {
	LocalID   string
	LocalName string
	Region    string

	MaxPlayers          int
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	StaleAfter          time.Duration
	ExpireAfter         time.Duration
}

const (
	defaultMaxPlayers  = 16
	defaultHeartbeat   = 5 * time.Second
	defaultHealthCheck = 5 * time.Second
	defaultStaleAfter  = 15 * time.Second
	defaultExpireAfter = 30 * time.Second
)

// Directory tracks our place in the session space.
type Directory struct {
	client backend.Client
	log    zerolog.Logger
	opts   Options

	mu      sync.Mutex
	state   State
	session core.Session

	stopChan chan struct{}
	done     chan struct{}

	now   func() time.Time
	newID func() string

	// OnHostChange fires after a host migration with the new host id.
	// Set before Join/Create; called from the health-check goroutine.
	OnHostChange func(newHostID string)
}

// New creates a disconnected directory.
func New(client backend.Client, log zerolog.Logger, opts Options) *Directory {
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = defaultMaxPlayers
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = defaultHealthCheck
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.ExpireAfter <= 0 {
		opts.ExpireAfter = defaultExpireAfter
	}
	return &Directory{
		client: client,
		log:    log,
		opts:   opts,
		state:  StateDisconnected,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// State returns the current lifecycle state.
func (d *Directory) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Session returns the current session. Valid only while hosting or
// connected.
func (d *Directory) Session() (core.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session, d.state == StateHosting || d.state == StateConnected
}

// IsHost reports whether we currently host the session.
func (d *Directory) IsHost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateHosting
}

// sessionDoc is the stored session metadata.
type sessionDoc struct {
	HostID        string `json:"hostId"`
	HostName      string `json:"hostName"`
	PlayerCount   int    `json:"playerCount"`
	MaxPlayers    int    `json:"maxPlayers"`
	Region        string `json:"region"`
	CreatedAt     int64  `json:"createdAt"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
}

type memberDoc struct {
	Name     string `json:"name"`
	JoinedAt int64  `json:"joinedAt"`
}

func (d *Directory) toSession(id string, doc sessionDoc) core.Session {
	return core.Session{
		ID:            id,
		HostID:        doc.HostID,
		HostName:      doc.HostName,
		PlayerCount:   doc.PlayerCount,
		MaxPlayers:    doc.MaxPlayers,
		Region:        doc.Region,
		CreatedAt:     time.UnixMilli(doc.CreatedAt),
		LastHeartbeat: time.UnixMilli(doc.LastHeartbeat),
	}
}

func (d *Directory) isStale(doc sessionDoc) bool {
	return d.now().Sub(time.UnixMilli(doc.LastHeartbeat)) > d.opts.StaleAfter
}

func (d *Directory) isExpired(doc sessionDoc) bool {
	return d.now().Sub(time.UnixMilli(doc.LastHeartbeat)) > d.opts.ExpireAfter
}

// Create starts a new session with us as host and joins it.
func (d *Directory) Create(ctx context.Context) (core.Session, error) {
	d.mu.Lock()
	if d.state != StateDisconnected && d.state != StateSearching {
		d.mu.Unlock()
		return core.Session{}, ErrAlreadyInSession
	}
	d.mu.Unlock()

	id := d.newID()
	nowMs := d.now().UnixMilli()
	doc := sessionDoc{
		HostID:        d.opts.LocalID,
		HostName:      d.opts.LocalName,
		PlayerCount:   1,
		MaxPlayers:    d.opts.MaxPlayers,
		Region:        d.opts.Region,
		CreatedAt:     nowMs,
		LastHeartbeat: nowMs,
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return core.Session{}, fmt.Errorf("marshal session: %w", err)
	}
	if err := d.client.Put(ctx, backend.SessionKey(id), raw); err != nil {
		return core.Session{}, fmt.Errorf("create session: %w", err)
	}
	if err := d.putMember(ctx, id); err != nil {
		return core.Session{}, err
	}

	sess := d.toSession(id, doc)
	d.mu.Lock()
	d.state = StateHosting
	d.session = sess
	d.mu.Unlock()

	d.startLoops()
	d.log.Info().Str("session", id).Msg("session created, hosting")
	return sess, nil
}

// List returns joinable sessions: heartbeat fresh, sorted by player
// count descending so fuller sessions come first.
func (d *Directory) List(ctx context.Context) ([]core.Session, error) {
	docs, err := d.client.List(ctx, backend.SessionsListPrefix())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var sessions []core.Session
	for key, raw := range docs {
		if !backend.IsSessionMetaKey(key) {
			continue
		}
		var doc sessionDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			d.log.Warn().Str("key", key).Err(err).Msg("skipping malformed session doc")
			continue
		}
		if d.isStale(doc) {
			continue
		}
		sessions = append(sessions, d.toSession(backend.LastSegment(key), doc))
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].PlayerCount != sessions[j].PlayerCount {
			return sessions[i].PlayerCount > sessions[j].PlayerCount
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// Join enters an existing session as a regular member.
func (d *Directory) Join(ctx context.Context, sessionID string) (core.Session, error) {
	d.mu.Lock()
	if d.state == StateHosting || d.state == StateConnected {
		d.mu.Unlock()
		return core.Session{}, ErrAlreadyInSession
	}
	d.mu.Unlock()

	doc, err := d.fetchSession(ctx, sessionID)
	if err != nil {
		return core.Session{}, err
	}
	if d.isStale(*doc) {
		return core.Session{}, ErrSessionStale
	}
	if doc.PlayerCount >= doc.MaxPlayers {
		return core.Session{}, ErrSessionFull
	}

	if err := d.putMember(ctx, sessionID); err != nil {
		return core.Session{}, err
	}
	count, err := d.recountMembers(ctx, sessionID)
	if err != nil {
		d.log.Warn().Err(err).Msg("member recount after join failed")
		count = doc.PlayerCount + 1
	}
	if err := d.client.Patch(ctx, backend.SessionKey(sessionID), map[string]any{
		"playerCount": count,
	}); err != nil {
		d.log.Warn().Err(err).Msg("player count patch after join failed")
	}

	doc.PlayerCount = count
	sess := d.toSession(sessionID, *doc)
	d.mu.Lock()
	d.state = StateConnected
	d.session = sess
	d.mu.Unlock()

	d.startLoops()
	d.log.Info().Str("session", sessionID).Int("players", count).Msg("joined session")
	return sess, nil
}

// Leave exits the current session. A leaving host hands the session to
// the next member, or deletes it when leaving last.
func (d *Directory) Leave(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateHosting && d.state != StateConnected {
		d.mu.Unlock()
		return ErrNotInSession
	}
	sessionID := d.session.ID
	wasHost := d.state == StateHosting
	d.mu.Unlock()

	d.stopLoops()

	if err := d.client.Delete(ctx, backend.MemberKey(sessionID, d.opts.LocalID)); err != nil {
		d.log.Warn().Err(err).Msg("member delete on leave failed")
	}
	// Drop our published records so other members do not wait out the ttl.
	if err := d.client.Delete(ctx, backend.PlayerKey(sessionID, d.opts.LocalID)); err != nil {
		d.log.Warn().Err(err).Msg("player record delete on leave failed")
	}

	members, err := d.memberIDs(ctx, sessionID)
	if err != nil {
		d.log.Warn().Err(err).Msg("member listing on leave failed")
		members = nil
	}

	switch {
	case len(members) == 0:
		if err := d.deleteSessionTree(ctx, sessionID); err != nil {
			d.log.Warn().Err(err).Msg("session teardown on leave failed")
		}
	case wasHost:
		// Hand off to the first member in id order so every observer
		// agrees on the successor.
		newHost := members[0]
		if err := d.client.Patch(ctx, backend.SessionKey(sessionID), map[string]any{
			"hostId":        newHost,
			"playerCount":   len(members),
			"lastHeartbeat": d.now().UnixMilli(),
		}); err != nil {
			d.log.Warn().Err(err).Msg("host handoff patch failed")
		}
		d.log.Info().Str("newHost", newHost).Msg("handed session to new host")
	default:
		if err := d.client.Patch(ctx, backend.SessionKey(sessionID), map[string]any{
			"playerCount": len(members),
		}); err != nil {
			d.log.Warn().Err(err).Msg("player count patch on leave failed")
		}
	}

	d.mu.Lock()
	d.state = StateDisconnected
	d.session = core.Session{}
	d.mu.Unlock()

	d.log.Info().Str("session", sessionID).Msg("left session")
	return nil
}

// Delete tears down an entire session subtree.
func (d *Directory) Delete(ctx context.Context, sessionID string) error {
	return d.deleteSessionTree(ctx, sessionID)
}

func (d *Directory) deleteSessionTree(ctx context.Context, sessionID string) error {
	docs, err := d.client.List(ctx, backend.SessionPrefix(sessionID))
	if err != nil {
		return fmt.Errorf("list session tree: %w", err)
	}
	for key := range docs {
		if err := d.client.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	if err := d.client.Delete(ctx, backend.SessionKey(sessionID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (d *Directory) fetchSession(ctx context.Context, sessionID string) (*sessionDoc, error) {
	raw, err := d.client.Get(ctx, backend.SessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	if raw == nil {
		return nil, ErrSessionNotFound
	}
	var doc sessionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("malformed session doc: %w", err)
	}
	return &doc, nil
}

func (d *Directory) putMember(ctx context.Context, sessionID string) error {
	raw, err := json.Marshal(memberDoc{
		Name:     d.opts.LocalName,
		JoinedAt: d.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}
	if err := d.client.Put(ctx, backend.MemberKey(sessionID, d.opts.LocalID), raw); err != nil {
		return fmt.Errorf("register member: %w", err)
	}
	return nil
}

// memberIDs lists the session members, sorted, excluding us.
func (d *Directory) memberIDs(ctx context.Context, sessionID string) ([]string, error) {
	docs, err := d.client.List(ctx, backend.MembersPrefix(sessionID))
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for key := range docs {
		id := backend.LastSegment(key)
		if id == d.opts.LocalID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// recountMembers derives the player count from the members listing
// rather than trusting the stored counter.
func (d *Directory) recountMembers(ctx context.Context, sessionID string) (int, error) {
	docs, err := d.client.List(ctx, backend.MembersPrefix(sessionID))
	if err != nil {
		return 0, fmt.Errorf("list members: %w", err)
	}
	return len(docs), nil
}

// Members returns the current session membership.
func (d *Directory) Members(ctx context.Context) ([]core.Member, error) {
	d.mu.Lock()
	if d.state != StateHosting && d.state != StateConnected {
		d.mu.Unlock()
		return nil, ErrNotInSession
	}
	sessionID := d.session.ID
	d.mu.Unlock()

	docs, err := d.client.List(ctx, backend.MembersPrefix(sessionID))
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	members := make([]core.Member, 0, len(docs))
	for key, raw := range docs {
		var doc memberDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		members = append(members, core.Member{
			ID:       backend.LastSegment(key),
			Name:     doc.Name,
			JoinedAt: time.UnixMilli(doc.JoinedAt),
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}
