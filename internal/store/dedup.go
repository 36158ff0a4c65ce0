package store

import (
	"container/list"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/flitsinc/watchtower/internal/events"
)

// Dedup is a TTL-bound LRU of event fingerprints recently written.
type Dedup struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	ll    *list.List // most-recent at front
	items map[string]*list.Element
}

type dedupEntry struct {
	key string
	exp time.Time
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Dedup{cap: maxKeys, ttl: ttl, now: time.Now, ll: list.New(), items: make(map[string]*list.Element, maxKeys)}
}

func (d *Dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.items[key]; ok {
		en := el.Value.(dedupEntry)
		if d.now().Before(en.exp) {
			d.ll.MoveToFront(el)
			return true
		}
		d.ll.Remove(el)
		delete(d.items, key)
	}
	return false
}

func (d *Dedup) Mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if el, ok := d.items[key]; ok {
		en := el.Value.(dedupEntry)
		en.exp = now.Add(d.ttl)
		el.Value = en
		d.ll.MoveToFront(el)
		return
	}
	d.items[key] = d.ll.PushFront(dedupEntry{key: key, exp: now.Add(d.ttl)})
	for d.ll.Len() > d.cap {
		d.evict(d.ll.Back())
	}
	// drop expired entries from the tail
	for t := d.ll.Back(); t != nil && !now.Before(t.Value.(dedupEntry).exp); t = d.ll.Back() {
		d.evict(t)
	}
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ll.Len()
}

func (d *Dedup) evict(el *list.Element) {
	if el == nil {
		return
	}
	d.ll.Remove(el)
	delete(d.items, el.Value.(dedupEntry).key)
}

// Fingerprint identifies an event by its normalised title and location.
func Fingerprint(e events.Event) string {
	title := strings.Join(strings.Fields(strings.ToLower(e.Title)), " ")
	location := strings.Join(strings.Fields(strings.ToLower(e.Location)), " ")
	return strconv.FormatUint(murmur3.Sum64([]byte(title+"\x00"+location)), 16)
}
