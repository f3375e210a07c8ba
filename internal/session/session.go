package session

import "errors"

// Role identifies which side of the marketplace the user acts on.
type Role string

const (
	RoleConsumer   Role = "consumer"
	RoleContractor Role = "contractor"
	RoleAdmin      Role = "admin"
	RoleAgent      Role = "agent"
)

var ErrNoToken = errors.New("session: bearer token is required")

// Session is the authenticated identity driving a gateway connection.
// It is created at login and discarded at logout; a Session owns at most
// one live connection at a time.
type Session struct {
	UserID string
	Token  string
	Role   Role
}

// IsSupport tells whether this session acts on the support side of a
// conversation (admins and agents see the agent view of the chat).
func (s Session) IsSupport() bool {
	return s.Role == RoleAdmin || s.Role == RoleAgent
}

// Validate reports whether the session can open a connection. A missing
// token means the caller should not even attempt to connect.
func (s Session) Validate() error {
	if s.Token == "" {
		return ErrNoToken
	}
	if s.UserID == "" {
		return errors.New("session: user id is required")
	}
	return nil
}
