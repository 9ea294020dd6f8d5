package session

import "sync"

// Feed is an in-process PositionSource. Devices push fixes into it (the
// web server does this for position reports) and watchers receive them.
type Feed struct {
	mu       sync.Mutex
	nextID   uint64
	watchers map[string]map[uint64]feedWatcher
}

type feedWatcher struct {
	deviceID string
	fn       func(Fix)
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{watchers: make(map[string]map[uint64]feedWatcher)}
}

// Watch registers fn for the pilot's fixes. With a non-empty deviceID only
// fixes from that device (or fixes carrying no device) are delivered.
func (f *Feed) Watch(pilotID, deviceID string, fn func(Fix)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := f.nextID
	if f.watchers[pilotID] == nil {
		f.watchers[pilotID] = make(map[uint64]feedWatcher)
	}
	f.watchers[pilotID][id] = feedWatcher{deviceID: deviceID, fn: fn}

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.watchers[pilotID], id)
			if len(f.watchers[pilotID]) == 0 {
				delete(f.watchers, pilotID)
			}
		})
	}), nil
}

// Push delivers fix to the pilot's watchers and returns how many received it.
func (f *Feed) Push(pilotID string, fix Fix) int {
	f.mu.Lock()
	var targets []func(Fix)
	for _, w := range f.watchers[pilotID] {
		if w.deviceID != "" && fix.DeviceID != "" && w.deviceID != fix.DeviceID {
			continue
		}
		targets = append(targets, w.fn)
	}
	f.mu.Unlock()

	for _, fn := range targets {
		fn(fix)
	}
	return len(targets)
}
