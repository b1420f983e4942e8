package services

import (
	"context"
	"sync"

	"buyme-realtime/internal/domain"
	"buyme-realtime/pkg/logger"
)

// RoomSender is the slice of the connection manager the room manager needs.
type RoomSender interface {
	Send(ctx context.Context, msg *domain.OutboundMessage) error
	State() domain.ConnectionState
}

// RoomManager tracks desired room membership independently of transport
// state. Rooms do not survive a connection drop on the server side, so the
// desired set is replayed on every reconnect. Within one connection epoch a
// join request is sent at most once per room.
type RoomManager struct {
	sender RoomSender
	log    logger.Logger

	mu      sync.Mutex
	desired map[domain.Room]struct{}
	joined  map[domain.Room]struct{} // join sent in the current epoch
}

func NewRoomManager(sender RoomSender, log logger.Logger) *RoomManager {
	return &RoomManager{
		sender:  sender,
		log:     log,
		desired: make(map[domain.Room]struct{}),
		joined:  make(map[domain.Room]struct{}),
	}
}

// Join records desired membership and, if connected, sends the join request.
// Joining a room already in the desired set is a no-op. While disconnected
// the join is queued and sent on the next reconnect replay.
func (rm *RoomManager) Join(ctx context.Context, room domain.Room) error {
	rm.mu.Lock()
	rm.desired[room] = struct{}{}
	if _, sent := rm.joined[room]; sent {
		rm.mu.Unlock()
		return nil
	}
	if rm.sender.State() != domain.StateConnected {
		rm.mu.Unlock()
		rm.log.Debug("Join queued until reconnect", "room", room.String())
		return nil
	}
	rm.joined[room] = struct{}{}
	rm.mu.Unlock()

	if err := rm.sender.Send(ctx, domain.JoinMessage(room)); err != nil {
		// The replay after reconnect picks this room up again.
		rm.mu.Lock()
		delete(rm.joined, room)
		rm.mu.Unlock()
		rm.log.Warn("Join request failed, queued for replay", "room", room.String(), "error", err)
	}
	return nil
}

// Leave drops the room from the desired set and sends a best-effort leave
// request. No retry: if the transport is down the server forgets the
// membership on its own.
func (rm *RoomManager) Leave(ctx context.Context, room domain.Room) error {
	rm.mu.Lock()
	delete(rm.desired, room)
	delete(rm.joined, room)
	connected := rm.sender.State() == domain.StateConnected
	rm.mu.Unlock()

	if !connected {
		return nil
	}
	if err := rm.sender.Send(ctx, domain.LeaveMessage(room)); err != nil {
		rm.log.Debug("Leave request failed", "room", room.String(), "error", err)
	}
	return nil
}

// LeaveAll fires best-effort leave requests for every desired room. Used on
// session shutdown.
func (rm *RoomManager) LeaveAll(ctx context.Context) {
	rm.mu.Lock()
	rooms := make([]domain.Room, 0, len(rm.desired))
	for room := range rm.desired {
		rooms = append(rooms, room)
	}
	rm.mu.Unlock()

	for _, room := range rooms {
		rm.Leave(ctx, room)
	}
}

// Invalidate marks the current epoch's joins as lost. Called when the
// connection drops; the next replay resends every desired room.
func (rm *RoomManager) Invalidate() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.joined = make(map[domain.Room]struct{})
}

// Rejoin replays every desired membership not yet joined in the current
// connection epoch. Runs on every Connected entry; a join that already went
// out on this connection is not repeated, so Rejoin never races a direct
// Join into a duplicate request.
func (rm *RoomManager) Rejoin(ctx context.Context) {
	rm.mu.Lock()
	rooms := make([]domain.Room, 0, len(rm.desired))
	for room := range rm.desired {
		if _, sent := rm.joined[room]; !sent {
			rooms = append(rooms, room)
		}
	}
	rm.mu.Unlock()

	if len(rooms) == 0 {
		return
	}
	rm.log.Info("Replaying room joins", "count", len(rooms))
	for _, room := range rooms {
		if err := rm.Join(ctx, room); err != nil {
			rm.log.Warn("Rejoin failed", "room", room.String(), "error", err)
		}
	}
}

// IsMember reports desired membership. The dispatcher filters inbound events
// against it.
func (rm *RoomManager) IsMember(room domain.Room) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok := rm.desired[room]
	return ok
}

// Rooms returns the desired membership set.
func (rm *RoomManager) Rooms() []domain.Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rooms := make([]domain.Room, 0, len(rm.desired))
	for room := range rm.desired {
		rooms = append(rooms, room)
	}
	return rooms
}
