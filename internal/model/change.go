package model

import (
	"fmt"
	"time"
)

// ChangeType describes what happened to an entity in the store.
type ChangeType string

// Change types
const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Valid reports whether c is a known change type
func (c ChangeType) Valid() bool {
	return c == ChangeInsert || c == ChangeUpdate || c == ChangeDelete
}

// ModelChange is a notification record that an entity was inserted, updated
// or deleted in the local store.
type ModelChange struct {
	ModelType  ModelType  `json:"model_type"`
	ChangeType ChangeType `json:"change_type"`
	ModelID    uint64     `json:"model_id,omitempty"`
	GUID       string     `json:"guid,omitempty"`
}

// ChangeOf builds a change record for e.
func ChangeOf(e Entity, ct ChangeType) ModelChange {
	m := e.Meta()
	return ModelChange{
		ModelType:  e.Kind(),
		ChangeType: ct,
		ModelID:    m.ID,
		GUID:       m.GUID,
	}
}

// Validate checks the enums and the identity invariant
func (c ModelChange) Validate() error {
	if !c.ModelType.Valid() {
		return fmt.Errorf("invalid model type %q", c.ModelType)
	}
	if !c.ChangeType.Valid() {
		return fmt.Errorf("invalid change type %q", c.ChangeType)
	}
	if c.GUID == "" && c.ModelID == 0 {
		return ErrNoIdentity
	}
	return nil
}

// String returns a short human readable form used in logs and notifications.
func (c ModelChange) String() string {
	id := c.GUID
	if id == "" {
		id = fmt.Sprintf("#%d", c.ModelID)
	}
	return fmt.Sprintf("%s %s %s", c.ChangeType, c.ModelType, id)
}

// Session is the persisted state of the logged-in user.
type Session struct {
	UserID uint64
	// Since is the server timestamp of the last successful pull.
	Since time.Time
}

// LoggedIn reports whether a user is associated with the session
func (s Session) LoggedIn() bool {
	return s.UserID != 0
}
