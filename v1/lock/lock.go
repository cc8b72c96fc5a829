package lock

import (
	"time"

	"github.com/salesos/collab/v1/entity"
)

// Holder identifies the user asking for a lock.
type Holder struct {
	UserID      string
	DisplayName string
	Email       string
}

// Lock is a grant of exclusive edit access on an entity.
type Lock struct {
	ID                string    `json:"id"`
	EntityType        string    `json:"entityType"`
	EntityID          string    `json:"entityId"`
	HolderUserID      string    `json:"holderUserId"`
	HolderDisplayName string    `json:"holderDisplayName"`
	HolderEmail       string    `json:"holderEmail"`
	AcquiredAt        time.Time `json:"acquiredAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
	TTLSeconds        int       `json:"ttlSeconds"`
}

// Key returns the entity the lock applies to.
func (l Lock) Key() entity.Key {
	return entity.New(l.EntityType, l.EntityID)
}

// Live reports whether the lock is still in force at now.
func (l Lock) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// Reason explains an unsuccessful Result.
type Reason string

const (
	// ReasonHeldByOther means another user holds a live lock.
	ReasonHeldByOther Reason = "held_by_other"
	// ReasonNotFound means there is no live lock to refresh.
	ReasonNotFound Reason = "not_found"
	// ReasonInvalid means the entity key or the user id was empty.
	ReasonInvalid Reason = "invalid"
	// ReasonContended means the record kept changing under the request and
	// no competing holder could be reported. Retrying is safe.
	ReasonContended Reason = "contended"
)

// Result is the outcome of Acquire and Refresh.
type Result struct {
	Success bool   `json:"success"`
	Lock    *Lock  `json:"lock,omitempty"`
	Reason  Reason `json:"reason,omitempty"`
}
