// Package progress fans scan progress out to any number of observers.
// Delivery is best effort: a slow subscriber misses updates instead of
// stalling the scan.
package progress

import (
	"sync"
	"time"
)

// Update is one progress report.
type Update struct {
	ModelType string    `json:"model_type"`
	Stage     string    `json:"stage"`
	Percent   float64   `json:"percent"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Time      time.Time `json:"time"`
}

const subscriberBuffer = 16

// Broadcaster delivers Updates to subscribers without blocking the sender.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Update
	nextID int
	last   Update
}

// NewBroadcaster returns a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Update)}
}

// Subscribe returns a channel of updates and a function that unsubscribes
// and closes it.
func (b *Broadcaster) Subscribe() (<-chan Update, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Update, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish sends u to every subscriber whose buffer has room.
func (b *Broadcaster) Publish(u Update) {
	if u.Time.IsZero() {
		u.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last = u
	for _, ch := range b.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

// Last returns the most recent update.
func (b *Broadcaster) Last() Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Reporter publishes percentage updates for one stage, at most once per
// percent step. It is safe for concurrent use.
type Reporter struct {
	mu        sync.Mutex
	b         *Broadcaster
	modelType string
	stage     string
	total     int
	lastPct   int
}

// NewReporter starts a stage with the given total. A nil broadcaster yields
// a reporter that does nothing.
func (b *Broadcaster) NewReporter(modelType, stage string, total int) *Reporter {
	r := &Reporter{b: b, modelType: modelType, stage: stage, total: total, lastPct: -1}
	r.Report(0)
	return r
}

// Report publishes done/total when the integer percentage moved.
func (r *Reporter) Report(done int) {
	if r == nil || r.b == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pct := 100.0
	if r.total > 0 {
		pct = float64(done) * 100 / float64(r.total)
	}
	if int(pct) == r.lastPct && done != r.total {
		return
	}
	r.lastPct = int(pct)
	r.b.Publish(Update{
		ModelType: r.modelType,
		Stage:     r.stage,
		Percent:   pct,
		Done:      done,
		Total:     r.total,
	})
}
