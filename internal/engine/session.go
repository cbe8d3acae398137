package engine

import (
	"context"
	"strconv"

	"github.com/opencoop/relay/internal/journal"
	"github.com/opencoop/relay/pkg/core"
)

func quoteJSON(s string) string {
	return strconv.Quote(s)
}

// Sessions lists joinable sessions.
func (e *Engine) Sessions(ctx context.Context) ([]core.Session, error) {
	return e.dir.List(ctx)
}

// CreateSession hosts a fresh session.
func (e *Engine) CreateSession(ctx context.Context) (core.Session, error) {
	sess, err := e.dir.Create(ctx)
	if err != nil {
		return core.Session{}, err
	}
	e.bindSession(sess)
	return sess, nil
}

// JoinSession joins a specific session.
func (e *Engine) JoinSession(ctx context.Context, sessionID string) (core.Session, error) {
	sess, err := e.dir.Join(ctx, sessionID)
	if err != nil {
		return core.Session{}, err
	}
	e.bindSession(sess)
	return sess, nil
}

// AutoJoin joins the best available session or creates one.
func (e *Engine) AutoJoin(ctx context.Context) (core.Session, error) {
	sess, err := e.dir.AutoJoin(ctx)
	if err != nil {
		return core.Session{}, err
	}
	e.bindSession(sess)
	return sess, nil
}

func (e *Engine) bindSession(sess core.Session) {
	e.chat.Bind(sess.ID)
	e.cache.Reset()
	e.gate.Reset()
	e.journalRecord(sess.ID, journal.KindSession, "", []byte(`{"event":"joined"}`))
}

// LeaveSession exits the current session and clears local state.
func (e *Engine) LeaveSession(ctx context.Context) error {
	sess, ok := e.dir.Session()
	if err := e.dir.Leave(ctx); err != nil {
		return err
	}
	if ok {
		e.journalRecord(sess.ID, journal.KindSession, "", []byte(`{"event":"left"}`))
	}
	e.chat.Reset()
	e.cache.Reset()
	e.gate.Reset()
	e.mu.Lock()
	e.owned = make(map[string]struct{})
	e.mu.Unlock()
	return nil
}

// Session returns the current session, if any.
func (e *Engine) Session() (core.Session, bool) {
	return e.dir.Session()
}

// IsHost reports whether this client hosts the current session.
func (e *Engine) IsHost() bool {
	return e.dir.IsHost()
}

// Members returns the current session membership.
func (e *Engine) Members(ctx context.Context) ([]core.Member, error) {
	return e.dir.Members(ctx)
}

// SendChat posts a chat message to the session.
func (e *Engine) SendChat(ctx context.Context, text string) (core.ChatMessage, error) {
	msg, err := e.chat.Send(ctx, text)
	if err != nil {
		return core.ChatMessage{}, err
	}
	e.backendCalls.Inc()
	if sess, ok := e.dir.Session(); ok {
		e.journalRecord(sess.ID, journal.KindChat, msg.ID, []byte(`{"text":`+quoteJSON(msg.Text)+`}`))
	}
	return msg, nil
}

// PollChat fetches unseen chat messages, honoring the fetch cooldown.
func (e *Engine) PollChat(ctx context.Context) ([]core.ChatMessage, error) {
	msgs, err := e.chat.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		e.cacheHits.Inc()
		return nil, nil
	}
	e.backendCalls.Inc()
	return msgs, nil
}
