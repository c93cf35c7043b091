// Package slides owns the authoritative slide pointer of each session.
// Every change bumps the revision; clients drop pushes whose revision is
// not newer than what they already show.
package slides

import (
	"context"
	"errors"
	"log"

	"podium/internal/cache"
	"podium/pkg/interfaces"
	"podium/pkg/types"
)

// Channel moves slide pointers and serves them back to readers
type Channel struct {
	store     interfaces.SessionStore
	snapshots cache.SnapshotCache
}

// NewChannel creates a slide channel reading through the snapshot cache
func NewChannel(store interfaces.SessionStore, snapshots cache.SnapshotCache) *Channel {
	return &Channel{
		store:     store,
		snapshots: snapshots,
	}
}

// Advance moves the pointer one page. The teacher may always drive; a student
// may drive only while holding the floor alone. At either end of the deck the
// pointer and revision are left unchanged.
func (c *Channel) Advance(ctx context.Context, session *types.ClassroomSession, direction types.Direction, actorID string) (*types.SlidePointer, error) {
	if !session.IsOpen() {
		return nil, types.ErrSessionClosed
	}
	if err := c.authorize(ctx, session, actorID); err != nil {
		return nil, err
	}
	if session.Slide.DeckID == "" || session.DeckPageCount <= 0 {
		return nil, types.ErrInvalidDeck
	}

	page := session.Slide.Page
	switch direction {
	case types.DirectionNext:
		if page >= session.DeckPageCount {
			return nil, types.ErrAtBoundary
		}
		page++
	case types.DirectionPrevious:
		if page <= 1 {
			return nil, types.ErrAtBoundary
		}
		page--
	default:
		return nil, types.ErrInvalidDirection
	}

	previous := session.Slide
	session.Slide.Page = page
	session.Slide.Revision++
	if err := c.store.UpdateSession(ctx, session); err != nil {
		session.Slide = previous
		return nil, err
	}

	log.Printf("Slide advanced: session=%s deck=%s page=%d revision=%d by=%s",
		session.ID, session.Slide.DeckID, page, session.Slide.Revision, actorID)
	pointer := session.Slide
	return &pointer, nil
}

// SelectDeck switches the session to another deck at page 1 (teacher only)
func (c *Channel) SelectDeck(ctx context.Context, session *types.ClassroomSession, deckID string, pageCount int, actorID string) (*types.SlidePointer, error) {
	if actorID != session.TeacherID {
		return nil, types.ErrUnauthorized
	}
	if !session.IsOpen() {
		return nil, types.ErrSessionClosed
	}
	if deckID == "" || pageCount <= 0 {
		return nil, types.ErrInvalidDeck
	}

	previous, previousCount := session.Slide, session.DeckPageCount
	session.Slide = types.SlidePointer{
		DeckID:   deckID,
		Page:     1,
		Revision: previous.Revision + 1,
	}
	session.DeckPageCount = pageCount
	if err := c.store.UpdateSession(ctx, session); err != nil {
		session.Slide, session.DeckPageCount = previous, previousCount
		return nil, err
	}

	log.Printf("Deck selected: session=%s deck=%s pages=%d revision=%d", session.ID, deckID, pageCount, session.Slide.Revision)
	pointer := session.Slide
	return &pointer, nil
}

// CurrentPointer returns the committed pointer without taking the session's
// exclusive section. Cache hits are committed state; misses read the store.
func (c *Channel) CurrentPointer(ctx context.Context, sessionID string) (*types.SlidePointer, error) {
	if c.snapshots != nil {
		if session, err := c.snapshots.Get(ctx, sessionID); err == nil {
			pointer := session.Slide
			return &pointer, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			log.Printf("Snapshot cache read failed: session=%s err=%v", sessionID, err)
		}
	}

	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// Safe without the section: the cache keeps whichever version is newer
	if c.snapshots != nil {
		if err := c.snapshots.Set(ctx, session); err != nil {
			log.Printf("Snapshot cache fill failed: session=%s err=%v", sessionID, err)
		}
	}
	pointer := session.Slide
	return &pointer, nil
}

func (c *Channel) authorize(ctx context.Context, session *types.ClassroomSession, actorID string) error {
	if actorID == session.TeacherID {
		return nil
	}

	requests, err := c.store.ListSpeakRequests(ctx, session.ID)
	if err != nil {
		return err
	}
	var holders []string
	for _, r := range requests {
		if r.HoldsFloor() {
			holders = append(holders, r.StudentID)
		}
	}
	if len(holders) == 1 && holders[0] == actorID {
		return nil
	}
	return types.ErrUnauthorized
}
