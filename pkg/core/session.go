package core

import (
	"fmt"
	"time"
)

// Session is a logical multiplayer room with one host and a bounded member set.
// PlayerCount is always recomputed from the members subtree, never
// hand-maintained.
type Session struct {
	ID            string
	HostID        string
	HostName      string
	PlayerCount   int
	MaxPlayers    int
	Region        string
	CreatedAt     time.Time
	LastHeartbeat time.Time // monotonically non-decreasing while alive
}

// String formats the session for human-readable listings.
func (s Session) String() string {
	return fmt.Sprintf("[%s] %s (%d/%d)", s.Region, s.HostName, s.PlayerCount, s.MaxPlayers)
}

// IsFull reports whether the session has reached its member capacity.
func (s Session) IsFull() bool {
	return s.PlayerCount >= s.MaxPlayers
}

// Member is one registered peer of a session.
type Member struct {
	ID       string
	Name     string
	JoinedAt time.Time
}
