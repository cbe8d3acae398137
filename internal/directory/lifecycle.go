package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/opencoop/relay/internal/backend"
)

// startLoops launches the background goroutine for the current role.
// The host heartbeats; members watch the host. Both roles run off the
// same goroutine so a migration is just a role flip.
func (d *Directory) startLoops() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopChan != nil {
		return
	}
	d.stopChan = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stopChan, d.done)
}

func (d *Directory) stopLoops() {
	d.mu.Lock()
	if d.stopChan == nil {
		d.mu.Unlock()
		return
	}
	close(d.stopChan)
	done := d.done
	d.stopChan = nil
	d.done = nil
	d.mu.Unlock()
	<-done
}

func (d *Directory) run(stop, done chan struct{}) {
	defer close(done)

	heartbeat := time.NewTicker(d.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	health := time.NewTicker(d.opts.HealthCheckInterval)
	defer health.Stop()

	for {
		select {
		case <-heartbeat.C:
			if d.State() == StateHosting {
				d.beat()
			}
		case <-health.C:
			if d.State() == StateConnected {
				d.checkHost()
			}
		case <-stop:
			return
		}
	}
}

// beat refreshes the session heartbeat and the derived player count.
func (d *Directory) beat() {
	d.mu.Lock()
	sessionID := d.session.ID
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.HeartbeatInterval)
	defer cancel()

	fields := map[string]any{
		"lastHeartbeat": d.now().UnixMilli(),
	}
	if count, err := d.recountMembers(ctx, sessionID); err == nil {
		fields["playerCount"] = count
		d.mu.Lock()
		d.session.PlayerCount = count
		d.mu.Unlock()
	}

	if err := d.client.Patch(ctx, backend.SessionKey(sessionID), fields); err != nil {
		d.log.Warn().Err(err).Msg("heartbeat patch failed")
	}
}

// checkHost verifies the host is still heartbeating and runs the
// migration protocol when it is not.
func (d *Directory) checkHost() {
	d.mu.Lock()
	sessionID := d.session.ID
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.HealthCheckInterval)
	defer cancel()

	doc, err := d.fetchSession(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		d.migrate(ctx, sessionID, nil)
		return
	}
	if err != nil {
		d.log.Warn().Err(err).Msg("host health check failed")
		return
	}

	d.mu.Lock()
	d.session.HostID = doc.HostID
	d.session.HostName = doc.HostName
	d.session.PlayerCount = doc.PlayerCount
	d.session.LastHeartbeat = time.UnixMilli(doc.LastHeartbeat)
	d.mu.Unlock()

	if d.isStale(*doc) {
		d.migrate(ctx, sessionID, doc)
	}
}

// migrate elects a new host. Every member sorts the member ids the same
// way and the smallest id wins, so the election needs no coordination:
// exactly one member sees itself at the head of the list.
func (d *Directory) migrate(ctx context.Context, sessionID string, stale *sessionDoc) {
	docs, err := d.client.List(ctx, backend.MembersPrefix(sessionID))
	if err != nil {
		d.log.Warn().Err(err).Msg("member listing during migration failed")
		return
	}

	// The dead host may not have cleaned up its member record. When the
	// session doc was deleted outright, fall back to the last host id we
	// saw; otherwise no one wins an election the dead host leads.
	deadHost := ""
	if stale != nil {
		deadHost = stale.HostID
	} else {
		d.mu.Lock()
		deadHost = d.session.HostID
		d.mu.Unlock()
	}

	candidate := ""
	for key := range docs {
		id := backend.LastSegment(key)
		if id == deadHost {
			continue
		}
		if candidate == "" || id < candidate {
			candidate = id
		}
	}

	if candidate != d.opts.LocalID {
		d.log.Debug().Str("candidate", candidate).Msg("awaiting host takeover")
		return
	}

	d.takeOver(ctx, sessionID, deadHost, stale != nil, len(docs))
}

func (d *Directory) takeOver(ctx context.Context, sessionID, deadHost string, docExists bool, memberCount int) {
	nowMs := d.now().UnixMilli()
	if !docExists {
		// Session doc is gone entirely, rebuild it.
		doc := sessionDoc{
			HostID:        d.opts.LocalID,
			HostName:      d.opts.LocalName,
			PlayerCount:   memberCount,
			MaxPlayers:    d.opts.MaxPlayers,
			Region:        d.opts.Region,
			CreatedAt:     nowMs,
			LastHeartbeat: nowMs,
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			d.log.Error().Err(err).Msg("marshal rebuilt session failed")
			return
		}
		if err := d.client.Put(ctx, backend.SessionKey(sessionID), raw); err != nil {
			d.log.Warn().Err(err).Msg("session rebuild during takeover failed")
			return
		}
	} else {
		if err := d.client.Patch(ctx, backend.SessionKey(sessionID), map[string]any{
			"hostId":        d.opts.LocalID,
			"hostName":      d.opts.LocalName,
			"lastHeartbeat": nowMs,
		}); err != nil {
			d.log.Warn().Err(err).Msg("host takeover patch failed")
			return
		}
	}

	// The dead host's records outlive it; clear them now instead of
	// waiting out the entity ttl.
	if deadHost != "" && deadHost != d.opts.LocalID {
		if err := d.client.Delete(ctx, backend.MemberKey(sessionID, deadHost)); err != nil {
			d.log.Warn().Err(err).Str("host", deadHost).Msg("stale host member cleanup failed")
		}
		if err := d.client.Delete(ctx, backend.PlayerKey(sessionID, deadHost)); err != nil {
			d.log.Warn().Err(err).Str("host", deadHost).Msg("stale host player cleanup failed")
		}
	}

	d.mu.Lock()
	d.state = StateHosting
	d.session.HostID = d.opts.LocalID
	d.session.HostName = d.opts.LocalName
	d.session.LastHeartbeat = time.UnixMilli(nowMs)
	d.mu.Unlock()

	d.log.Info().Str("session", sessionID).Msg("took over as session host")
	if d.OnHostChange != nil {
		d.OnHostChange(d.opts.LocalID)
	}
}

// SweepExpired deletes session subtrees whose heartbeat is older than
// the expiry window. Any client may run this; deleting an absent key is
// harmless, so concurrent sweeps do not conflict.
func (d *Directory) SweepExpired(ctx context.Context) (int, error) {
	docs, err := d.client.List(ctx, backend.SessionsListPrefix())
	if err != nil {
		return 0, err
	}

	swept := 0
	for key, raw := range docs {
		if !backend.IsSessionMetaKey(key) {
			continue
		}
		var doc sessionDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		if !d.isExpired(doc) {
			continue
		}
		id := backend.LastSegment(key)
		if err := d.deleteSessionTree(ctx, id); err != nil {
			d.log.Warn().Str("session", id).Err(err).Msg("expired session sweep failed")
			continue
		}
		swept++
		d.log.Info().Str("session", id).Msg("swept expired session")
	}
	return swept, nil
}
