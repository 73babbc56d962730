package flickrapi

import (
	"fmt"
	"strings"
)

// ErrKind distinguishes terminal business outcomes of a pool
// submission from transient failures. Terminal outcomes are facts, not
// errors worth retrying: the caller reacts to them (cooldown, drop
// group) and moves on.
type ErrKind int

const (
	// ErrLimitReached: the group's posting limit for the current
	// period is exhausted.
	ErrLimitReached ErrKind = iota + 1
	// ErrNotAllowed: the group rejected this photo's content type.
	ErrNotAllowed
)

// PoolError is a terminal business error from flickr.groups.pools.add.
type PoolError struct {
	Kind    ErrKind
	GroupID string
	Message string
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("group %s: %s", e.GroupID, e.Message)
}

// Flickr reports these outcomes as API errors; the phrases below are
// the stable parts of its messages.
const (
	pendingPhrase    = "pending queue"
	limitPhrase      = "limit"
	reachedPhrase    = "reached"
	notAllowedPhrase = "not allowed"
)

// isPendingQueue recognizes the "added to the Pending Queue for this
// Pool" message: the photo was accepted and merely awaits moderation,
// so the submission succeeded.
func isPendingQueue(msg string) bool {
	return strings.Contains(strings.ToLower(msg), pendingPhrase)
}

// classifyPoolError maps a pools.add error message onto a terminal
// PoolError, or nil when the failure looks transient.
func classifyPoolError(groupID, msg string) *PoolError {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, limitPhrase) && strings.Contains(lower, reachedPhrase) {
		return &PoolError{Kind: ErrLimitReached, GroupID: groupID, Message: msg}
	}
	if strings.Contains(lower, notAllowedPhrase) {
		return &PoolError{Kind: ErrNotAllowed, GroupID: groupID, Message: msg}
	}
	return nil
}
