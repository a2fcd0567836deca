package domain

import "context"

// Session resolves the signed-in user. ok is false before sign-in.
type Session interface {
	CurrentUserID() (userID string, ok bool)
}

// StaticSession is a Session fixed at construction.
type StaticSession string

func (s StaticSession) CurrentUserID() (string, bool) {
	return string(s), s != ""
}

// ContactDirectory lists the counterparts of a conversation that should
// receive directed signals such as presence.
type ContactDirectory interface {
	ActiveContactIDs(ctx context.Context, conversationID string) ([]string, error)
}
