package core

import "time"

// Household links two users over one shared ledger. SecondaryUserID is
// empty until a second user joins and never changes afterwards.
type Household struct {
	ID              string    `json:"id"`
	PrimaryUserID   string    `json:"primary_user_id"`
	SecondaryUserID string    `json:"secondary_user_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	PairedAt        time.Time `json:"paired_at,omitempty"`
}

func (h Household) IsPaired() bool {
	return h.SecondaryUserID != ""
}

// HasMember reports whether userID is one of the household's users.
func (h Household) HasMember(userID string) bool {
	return userID != "" && (h.PrimaryUserID == userID || h.SecondaryUserID == userID)
}

// JoinOutcome classifies the result of a conditional join attempt.
type JoinOutcome string

const (
	JoinJoined           JoinOutcome = "joined"
	JoinAlreadyPaired    JoinOutcome = "already_paired"
	JoinSelfJoinRejected JoinOutcome = "self_join_rejected"
	JoinNotFound         JoinOutcome = "not_found"
)

func (o JoinOutcome) IsValid() bool {
	switch o {
	case JoinJoined, JoinAlreadyPaired, JoinSelfJoinRejected, JoinNotFound:
		return true
	}
	return false
}
