package chat

import (
	"log/slog"
	"sort"
	"sync"
)

type roomEntry struct {
	room    *Room
	members int
}

// Registry maps room names to rooms. Membership goes through Join and Leave
// so the registry can retire a room in the same critical section in which
// its last member leaves; a later Join for that name gets a fresh room.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*roomEntry
	closed bool
	buffer int
	logger *slog.Logger
}

func NewRegistry(buffer int, logger *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:  make(map[string]*roomEntry),
		buffer: buffer,
		logger: logger,
	}
}

// FindOrCreate returns the room called name, constructing it if absent.
// Concurrent callers with the same new name all get the same instance.
func (r *Registry) FindOrCreate(name string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	return r.entryLocked(name).room, nil
}

// Join adds m to the room called name, creating the room if needed.
func (r *Registry) Join(name string, m Member) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	entry := r.entryLocked(name)
	added, err := entry.room.AddMember(m)
	if err != nil {
		return nil, err
	}
	if added {
		entry.members++
	}
	return entry.room, nil
}

// Leave removes m from room and retires the room once it has no members.
func (r *Registry) Leave(room *Room, m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed, err := room.RemoveMember(m)
	if err != nil {
		if err == ErrRoomClosed {
			return nil
		}
		return err
	}

	entry, ok := r.rooms[room.Name()]
	if !removed || !ok || entry.room != room {
		return nil
	}
	entry.members--
	if entry.members > 0 {
		return nil
	}

	delete(r.rooms, room.Name())
	room.Stop()
	ActiveRooms.Set(float64(len(r.rooms)))
	r.logger.Info("room retired", "room", room.Name())
	return nil
}

// Rooms returns the sorted names of the live rooms.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Close stops every room and rejects further lookups. It blocks until all
// room goroutines have exited.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	rooms := make([]*Room, 0, len(r.rooms))
	for _, entry := range r.rooms {
		rooms = append(rooms, entry.room)
	}
	r.rooms = make(map[string]*roomEntry)
	r.mu.Unlock()

	for _, room := range rooms {
		room.Stop()
	}
	for _, room := range rooms {
		room.Wait()
	}
	ActiveRooms.Set(0)
	r.logger.Info("registry closed", "rooms", len(rooms))
}

func (r *Registry) entryLocked(name string) *roomEntry {
	if entry, ok := r.rooms[name]; ok {
		return entry
	}
	entry := &roomEntry{room: newRoom(name, r.buffer, r.logger)}
	r.rooms[name] = entry
	RoomsCreated.Inc()
	ActiveRooms.Set(float64(len(r.rooms)))
	r.logger.Info("room created", "room", name)
	return entry
}
