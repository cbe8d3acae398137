package backend

import (
	"fmt"
	"strings"
)

// Key layout of the shared store. Everything lives under a session
// subtree so one List can fetch a whole session and one prefix delete
// can tear it down.
//
//	sessions/{sid}                     session metadata
//	sessions/{sid}/members/{pid}       membership marker
//	sessions/{sid}/players/{pid}       compact player record
//	sessions/{sid}/vehicles/{vid}      compact vehicle record
//	sessions/{sid}/environment         weather and time of day
//	sessions/{sid}/chat/{mid}          chat entries, id-sorted

const sessionsRoot = "sessions/"

func SessionKey(sessionID string) string {
	return sessionsRoot + sessionID
}

func SessionPrefix(sessionID string) string {
	return sessionsRoot + sessionID + "/"
}

func SessionsListPrefix() string {
	return sessionsRoot
}

func MemberKey(sessionID, playerID string) string {
	return fmt.Sprintf("%s%s/members/%s", sessionsRoot, sessionID, playerID)
}

func MembersPrefix(sessionID string) string {
	return fmt.Sprintf("%s%s/members/", sessionsRoot, sessionID)
}

func PlayerKey(sessionID, playerID string) string {
	return fmt.Sprintf("%s%s/players/%s", sessionsRoot, sessionID, playerID)
}

func PlayersPrefix(sessionID string) string {
	return fmt.Sprintf("%s%s/players/", sessionsRoot, sessionID)
}

func VehicleKey(sessionID, vehicleID string) string {
	return fmt.Sprintf("%s%s/vehicles/%s", sessionsRoot, sessionID, vehicleID)
}

func VehiclesPrefix(sessionID string) string {
	return fmt.Sprintf("%s%s/vehicles/", sessionsRoot, sessionID)
}

func EnvironmentKey(sessionID string) string {
	return fmt.Sprintf("%s%s/environment", sessionsRoot, sessionID)
}

func ChatKey(sessionID, messageID string) string {
	return fmt.Sprintf("%s%s/chat/%s", sessionsRoot, sessionID, messageID)
}

func ChatPrefix(sessionID string) string {
	return fmt.Sprintf("%s%s/chat/", sessionsRoot, sessionID)
}

// LastSegment returns the entity id portion of a listed key.
func LastSegment(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// IsSessionMetaKey reports whether a key from a sessions listing is the
// session document itself rather than a nested record.
func IsSessionMetaKey(key string) bool {
	rest := strings.TrimPrefix(key, sessionsRoot)
	return rest != "" && !strings.Contains(rest, "/")
}
