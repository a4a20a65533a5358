package business

import "sync"

// roomRegistry tracks which local connections belong to which project room.
// The registry only knows about connections on this gateway instance;
// cross-instance membership is implicit through the broadcast bus.
type roomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Connection // projectID -> connectionID -> connection
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{
		rooms: make(map[string]map[string]Connection),
	}
}

// join adds a connection to its project's room, creating the room on first join.
func (r *roomRegistry) join(projectID string, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[projectID]
	if !ok {
		room = make(map[string]Connection)
		r.rooms[projectID] = room
	}
	room[conn.Metadata().Key()] = conn
}

// leave removes a connection from its project's room. Empty rooms are deleted.
func (r *roomRegistry) leave(projectID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[projectID]
	if !ok {
		return
	}

	delete(room, connectionID)
	if len(room) == 0 {
		delete(r.rooms, projectID)
	}
}

// members returns a snapshot of the connections in a project's room.
func (r *roomRegistry) members(projectID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[projectID]
	if !ok {
		return nil
	}

	conns := make([]Connection, 0, len(room))
	for _, conn := range room {
		conns = append(conns, conn)
	}
	return conns
}

// memberCount returns the number of local connections in a project's room.
func (r *roomRegistry) memberCount(projectID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[projectID])
}

// roomCount returns the number of rooms with at least one local connection.
func (r *roomRegistry) roomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
