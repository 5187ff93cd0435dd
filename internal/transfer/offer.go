package transfer

import (
	"sort"
	"sync"
)

// Party identifies one side of a transfer: the session id and the display
// name that selects its directory.
type Party struct {
	ID   uint32
	Name string
}

// Offer is a staged file waiting for YES/NO replies. Each offer owns its own
// archived copy, so replies from one responder never affect another.
type Offer struct {
	ID          string
	Filename    string
	ArchivePath string
	Sender      Party
	Size        int64

	mu   sync.Mutex
	open map[uint32]struct{}
}

// Pending reports whether id still owes a reply to this offer.
func (o *Offer) Pending(id uint32) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.open[id]
	return ok
}

// Responders returns the ids that have not replied yet, in ascending order.
func (o *Offer) Responders() []uint32 {
	o.mu.Lock()
	ids := make([]uint32, 0, len(o.open))
	for id := range o.open {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (o *Offer) announce(responders []uint32) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range responders {
		if id != o.Sender.ID {
			o.open[id] = struct{}{}
		}
	}
	return len(o.open)
}

// resolve removes id from the open set. It returns the remaining count and
// whether id was pending.
func (o *Offer) resolve(id uint32) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.open[id]; !ok {
		return len(o.open), false
	}
	delete(o.open, id)
	return len(o.open), true
}
