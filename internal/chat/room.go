package chat

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type roomEventType int

const (
	roomAddMember roomEventType = iota
	roomRemoveMember
	roomEnqueue
	roomMembers
)

var roomEventNames = [...]string{"add_member", "remove_member", "enqueue", "members"}

type roomEvent struct {
	Type      roomEventType
	Member    Member
	Message   Message
	ReplyChan chan roomReply
}

type roomReply struct {
	ok    bool
	seq   uint64
	names []string
}

// Room is a named broadcast domain. Its member set and message sequence are
// owned by a single goroutine; every operation is an event sent to it, so
// membership changes and fan-out are linearized. The event channel is the
// room's FIFO queue.
type Room struct {
	name   string
	events chan roomEvent
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newRoom(name string, buffer int, logger *slog.Logger) *Room {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Room{
		name:   name,
		events: make(chan roomEvent, buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger.With("room", name),
	}
	go r.run()
	return r
}

func (r *Room) Name() string {
	return r.name
}

// AddMember adds m unless it is already a member. It reports whether m was added.
func (r *Room) AddMember(m Member) (bool, error) {
	rep, err := r.call(roomEvent{Type: roomAddMember, Member: m})
	return rep.ok, err
}

// RemoveMember removes m if present. It reports whether m was removed.
func (r *Room) RemoveMember(m Member) (bool, error) {
	rep, err := r.call(roomEvent{Type: roomRemoveMember, Member: m})
	return rep.ok, err
}

// Enqueue appends msg to the room queue and returns its sequence id once it
// has been handed to every member other than the sender.
func (r *Room) Enqueue(msg Message) (uint64, error) {
	rep, err := r.call(roomEvent{Type: roomEnqueue, Message: msg})
	return rep.seq, err
}

// Members returns the sorted display names of the current members.
func (r *Room) Members() ([]string, error) {
	rep, err := r.call(roomEvent{Type: roomMembers})
	return rep.names, err
}

// Stop signals the room goroutine to exit. Pending events are not processed.
func (r *Room) Stop() {
	r.once.Do(func() { close(r.stopCh) })
}

// Wait blocks until the room goroutine has exited.
func (r *Room) Wait() {
	<-r.doneCh
}

func (r *Room) call(ev roomEvent) (roomReply, error) {
	ev.ReplyChan = make(chan roomReply, 1)
	select {
	case r.events <- ev:
	case <-r.doneCh:
		return roomReply{}, ErrRoomClosed
	}

	select {
	case rep := <-ev.ReplyChan:
		return rep, nil
	case <-r.doneCh:
		// The reply is sent before doneCh closes, so it may still be waiting.
		select {
		case rep := <-ev.ReplyChan:
			return rep, nil
		default:
			return roomReply{}, ErrRoomClosed
		}
	}
}

func (r *Room) run() {
	defer close(r.doneCh)

	// Single-writer ownership: members and seq are only touched here.
	var members []Member
	var seq uint64

	for {
		select {
		case ev := <-r.events:
			start := time.Now()

			var rep roomReply
			switch ev.Type {
			case roomAddMember:
				members, rep.ok = addMember(members, ev.Member)
				if rep.ok {
					r.logger.Info("member joined", "session_id", ev.Member.ID(), "name", ev.Member.Name())
				}
			case roomRemoveMember:
				members, rep.ok = removeMember(members, ev.Member)
				if rep.ok {
					r.logger.Info("member left", "session_id", ev.Member.ID(), "name", ev.Member.Name())
				}
			case roomEnqueue:
				seq++
				msg := ev.Message
				msg.Seq = seq
				r.broadcast(members, msg)
				rep.seq = seq
			case roomMembers:
				rep.names = memberNames(members)
			}
			ev.ReplyChan <- rep

			EventProcessingDuration.WithLabelValues(roomEventNames[ev.Type]).Observe(time.Since(start).Seconds())
		case <-r.stopCh:
			return
		}
	}
}

// broadcast hands msg to every member except its sender. A member whose
// buffer is full misses the line; the others are unaffected.
func (r *Room) broadcast(members []Member, msg Message) {
	recipients := make([]Member, 0, len(members))
	for _, m := range members {
		if m.ID() != msg.Sender {
			recipients = append(recipients, m)
		}
	}

	if msg.Kind == KindFileOffer && msg.Announced != nil {
		ids := make([]uint32, len(recipients))
		for i, m := range recipients {
			ids[i] = m.ID()
		}
		msg.Announced(ids)
	}

	line := formatMessage(msg)
	for _, m := range recipients {
		if !m.Deliver(line) {
			DroppedLines.Inc()
			r.logger.Debug("line dropped", "session_id", m.ID(), "seq", msg.Seq)
		}
	}
}

func formatMessage(msg Message) string {
	if msg.Kind == KindFileOffer {
		return fmt.Sprintf("CLIENT %s wants to send %s (%d bytes). Reply YES %s or NO %s",
			msg.SenderName, msg.Payload, msg.Size, msg.Payload, msg.Payload)
	}
	return msg.SenderName + ": " + msg.Payload
}

func addMember(members []Member, m Member) ([]Member, bool) {
	for _, existing := range members {
		if existing.ID() == m.ID() {
			return members, false
		}
	}
	return append(members, m), true
}

func removeMember(members []Member, m Member) ([]Member, bool) {
	for i, existing := range members {
		if existing.ID() == m.ID() {
			return append(members[:i], members[i+1:]...), true
		}
	}
	return members, false
}

func memberNames(members []Member) []string {
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name())
	}
	sort.Strings(names)
	return names
}
