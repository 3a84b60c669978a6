package usecase

import (
	"sync"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
)

// subscriberBuffer bounds each subscriber channel. Slow subscribers miss
// intermediate snapshots, never block the pipeline.
const subscriberBuffer = 8

// Broadcaster fans sync-state snapshots out to observers. The coordinator is
// the only publisher; subscribers receive read-only snapshots.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int64]map[chan domain.SyncSnapshot]struct{}
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int64]map[chan domain.SyncSnapshot]struct{})}
}

// Subscribe registers an observer for one user's progress. The returned
// cancel func must be called to release the channel.
func (b *Broadcaster) Subscribe(userID int64) (<-chan domain.SyncSnapshot, func()) {
	ch := make(chan domain.SyncSnapshot, subscriberBuffer)
	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan domain.SyncSnapshot]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[userID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, userID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers a snapshot to every subscriber without blocking. A full
// subscriber buffer drops the oldest snapshot to make room for the newest.
func (b *Broadcaster) Publish(userID int64, snap domain.SyncSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[userID] {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
