package types

import (
	"regexp"
)

// Compiled once at package initialization
var (
	userIDRegex      = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)
	classroomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// MaxUserIDLength bounds user and classroom identifiers
const MaxUserIDLength = 64

// Validate ensures the actor carries a usable identity and a known role
func (a Actor) Validate() error {
	if !IsValidUserID(a.ID) {
		return ErrInvalidUserID
	}
	if !IsValidRole(a.Role) {
		return ErrInvalidRole
	}
	return nil
}

// Validate ensures the session meets all requirements before it is persisted
func (s *ClassroomSession) Validate() error {
	if !IsValidClassroomID(s.ClassroomID) {
		return ErrInvalidClassroomID
	}
	if !IsValidUserID(s.TeacherID) {
		return ErrInvalidUserID
	}
	if s.Slide.DeckID != "" && s.DeckPageCount <= 0 {
		return ErrInvalidDeck
	}
	return nil
}

// IsValidUserID checks if a user ID meets format requirements.
// Email-shaped IDs are accepted since the upstream identity layer issues them.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > MaxUserIDLength {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidClassroomID checks if a classroom ID meets format requirements
func IsValidClassroomID(classroomID string) bool {
	if len(classroomID) < 1 || len(classroomID) > MaxUserIDLength {
		return false
	}
	return classroomIDRegex.MatchString(classroomID)
}

// IsValidRole checks if the role is one of the two known roles
func IsValidRole(role string) bool {
	switch role {
	case RoleStudent, RoleTeacher:
		return true
	default:
		return false
	}
}

// ParseDirection converts wire input into a Direction
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionNext, DirectionPrevious:
		return Direction(s), nil
	default:
		return "", ErrInvalidDirection
	}
}

// ParseDecision converts wire input into a Decision
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionAccept, DecisionReject:
		return Decision(s), nil
	default:
		return "", ErrInvalidDecision
	}
}
