package directory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/opencoop/relay/pkg/core"
)

// AutoJoin finds a session to play in: prefer the fullest session that
// still has room, then an empty one, and create a fresh session only
// when nothing is joinable. Candidate session docs are re-fetched
// concurrently since the listing may be seconds old.
func (d *Directory) AutoJoin(ctx context.Context) (core.Session, error) {
	d.mu.Lock()
	if d.state == StateHosting || d.state == StateConnected {
		d.mu.Unlock()
		return core.Session{}, ErrAlreadyInSession
	}
	d.state = StateSearching
	d.mu.Unlock()

	sessions, err := d.List(ctx)
	if err != nil {
		d.setDisconnected()
		return core.Session{}, err
	}

	candidates := d.resolveCandidates(ctx, sessions)

	// First pass: populated sessions, fullest first.
	for _, c := range candidates {
		if c.PlayerCount > 0 && c.PlayerCount < c.MaxPlayers {
			sess, err := d.Join(ctx, c.ID)
			if err == nil {
				return sess, nil
			}
			if !joinRetryable(err) {
				d.setDisconnected()
				return core.Session{}, err
			}
			d.log.Debug().Str("session", c.ID).Err(err).Msg("candidate rejected, trying next")
		}
	}

	// Second pass: empty but alive sessions.
	for _, c := range candidates {
		if c.PlayerCount == 0 {
			sess, err := d.Join(ctx, c.ID)
			if err == nil {
				return sess, nil
			}
			if !joinRetryable(err) {
				d.setDisconnected()
				return core.Session{}, err
			}
		}
	}

	sess, err := d.Create(ctx)
	if err != nil {
		d.setDisconnected()
		return core.Session{}, err
	}
	return sess, nil
}

// joinRetryable reports whether a join failure means "try another
// session" rather than "give up".
func joinRetryable(err error) bool {
	return errors.Is(err, ErrSessionFull) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionStale)
}

// resolveCandidates re-fetches each listed session concurrently and
// drops the ones that disappeared or went stale since the listing.
func (d *Directory) resolveCandidates(ctx context.Context, sessions []core.Session) []core.Session {
	type result struct {
		idx  int
		sess core.Session
		ok   bool
	}

	results := make([]result, len(sessions))
	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s core.Session) {
			defer wg.Done()
			doc, err := d.fetchSession(ctx, s.ID)
			if err != nil || d.isStale(*doc) {
				results[i] = result{idx: i}
				return
			}
			results[i] = result{idx: i, sess: d.toSession(s.ID, *doc), ok: true}
		}(i, s)
	}
	wg.Wait()

	out := make([]core.Session, 0, len(sessions))
	for _, r := range results {
		if r.ok {
			out = append(out, r.sess)
		}
	}
	// Counts may have moved since the listing, re-rank on fresh data.
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlayerCount != out[j].PlayerCount {
			return out[i].PlayerCount > out[j].PlayerCount
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Directory) setDisconnected() {
	d.mu.Lock()
	d.state = StateDisconnected
	d.mu.Unlock()
}
