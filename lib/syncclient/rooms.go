// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bureau-foundation/hyphae/lib/ref"
	"github.com/bureau-foundation/hyphae/lib/schema"
	"github.com/bureau-foundation/hyphae/messaging"
)

// room is the handle's view of one joined room. Guarded by Client.mu.
type room struct {
	id         ref.RoomID
	name       string
	topic      string
	encryption string
	members    map[ref.UserID]string
	timeline   []Entry
	seen       map[ref.EventID]bool

	// prevBatch paginates backwards from the oldest stored event.
	// Empty once the start of the room has been reached.
	prevBatch string
}

func newRoom(roomID ref.RoomID) *room {
	return &room{
		id:      roomID,
		members: make(map[ref.UserID]string),
		seen:    make(map[ref.EventID]bool),
	}
}

// applyState folds one state event into the room. Events without a
// state key are ignored.
func (r *room) applyState(evt messaging.Event) {
	if evt.StateKey == nil {
		return
	}
	switch evt.Type {
	case schema.EventTypeRoomName:
		name, _ := evt.Content["name"].(string)
		r.name = name
	case schema.EventTypeRoomTopic:
		topic, _ := evt.Content["topic"].(string)
		r.topic = topic
	case schema.EventTypeEncryption:
		// Encryption cannot be turned off once enabled.
		if algorithm, _ := evt.Content["algorithm"].(string); algorithm != "" {
			r.encryption = algorithm
		}
	case schema.EventTypeMember:
		userID, err := ref.ParseUserID(*evt.StateKey)
		if err != nil {
			return
		}
		membership, _ := evt.Content["membership"].(string)
		if membership == "" || membership == schema.MembershipLeave || membership == schema.MembershipBan {
			delete(r.members, userID)
			return
		}
		r.members[userID] = membership
	}
}

func (r *room) summary() RoomSummary {
	joined := 0
	for _, membership := range r.members {
		if membership == schema.MembershipJoin {
			joined++
		}
	}
	return RoomSummary{
		RoomID:              r.id,
		Name:                r.name,
		Topic:               r.topic,
		Encrypted:           r.encryption != "",
		EncryptionAlgorithm: r.encryption,
		JoinedMembers:       joined,
		HasMoreHistory:      r.prevBatch != "",
	}
}

func (r *room) joinedMembers() []ref.UserID {
	var members []ref.UserID
	for userID, membership := range r.members {
		if membership == schema.MembershipJoin {
			members = append(members, userID)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].String() < members[j].String() })
	return members
}

// RoomSummary is a snapshot of a joined room's display state.
type RoomSummary struct {
	RoomID ref.RoomID

	// Name is the m.room.name, or "" when the room has none.
	Name  string
	Topic string

	Encrypted           bool
	EncryptionAlgorithm string

	JoinedMembers int

	// HasMoreHistory is true while Paginate can fetch older events.
	HasMoreHistory bool
}

// Rooms returns summaries of every joined room in the order the rooms
// first appeared.
func (c *Client) Rooms() []RoomSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summaries := make([]RoomSummary, 0, len(c.roomOrder))
	for _, roomID := range c.roomOrder {
		summaries = append(summaries, c.rooms[roomID].summary())
	}
	return summaries
}

// Room returns one room's summary.
func (c *Client) Room(roomID ref.RoomID) (RoomSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return RoomSummary{}, false
	}
	return r.summary(), true
}

// Members returns the joined members of a room, sorted.
func (c *Client) Members(roomID ref.RoomID) []ref.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	return r.joinedMembers()
}

// EncryptionAlgorithm implements e2ee.RoomState.
func (c *Client) EncryptionAlgorithm(roomID ref.RoomID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[roomID]; ok {
		return r.encryption
	}
	return ""
}

// SharedRooms implements e2ee.RoomState.
func (c *Client) SharedRooms(userID ref.UserID) []ref.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var shared []ref.RoomID
	for _, roomID := range c.roomOrder {
		if _, ok := c.rooms[roomID].members[userID]; ok {
			shared = append(shared, roomID)
		}
	}
	return shared
}

// addRoomLocked registers a room the first time sync mentions it and
// wakes WaitForRoom callers. Returns the room and whether it is new.
func (c *Client) addRoomLocked(roomID ref.RoomID) (*room, bool) {
	if r, ok := c.rooms[roomID]; ok {
		return r, false
	}
	r := newRoom(roomID)
	c.rooms[roomID] = r
	c.roomOrder = append(c.roomOrder, roomID)
	for _, waiter := range c.waiters[roomID] {
		close(waiter)
	}
	delete(c.waiters, roomID)
	return r, true
}

// removeRoomLocked forgets a room the user left.
func (c *Client) removeRoomLocked(roomID ref.RoomID) {
	if _, ok := c.rooms[roomID]; !ok {
		return
	}
	delete(c.rooms, roomID)
	for index, candidate := range c.roomOrder {
		if candidate == roomID {
			c.roomOrder = append(c.roomOrder[:index:index], c.roomOrder[index+1:]...)
			break
		}
	}
}

// WaitForRoom blocks until roomID has appeared in sync, the timeout
// (measured on the handle's clock) elapses, or ctx is done. Returns
// nil immediately for a room already known, ErrRoomNotVisible on
// timeout.
func (c *Client) WaitForRoom(ctx context.Context, roomID ref.RoomID, timeout time.Duration) error {
	c.mu.Lock()
	if _, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return nil
	}
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	arrived := make(chan struct{})
	c.waiters[roomID] = append(c.waiters[roomID], arrived)
	c.mu.Unlock()

	select {
	case <-arrived:
		return nil
	case <-c.clock.After(timeout):
		c.dropWaiter(roomID, arrived)
		return fmt.Errorf("%w: %s after %s", ErrRoomNotVisible, roomID, timeout)
	case <-ctx.Done():
		c.dropWaiter(roomID, arrived)
		return ctx.Err()
	}
}

func (c *Client) dropWaiter(roomID ref.RoomID, arrived chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.waiters[roomID]
	for index, waiter := range waiters {
		if waiter == arrived {
			c.waiters[roomID] = append(waiters[:index:index], waiters[index+1:]...)
			break
		}
	}
	if len(c.waiters[roomID]) == 0 {
		delete(c.waiters, roomID)
	}
}
