// Package cache is the keyed "latest known value" store every view reads from.
//
// A Cache is not safe for concurrent use. It is owned by the engine loop and
// every write funnels through Set or Delete, which apply last-writer-wins by
// updatedAt.
package cache

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Source where a write came from.
type Source string

const (
	SourcePull Source = "pull"
	SourcePush Source = "push"
	// SourceLocal optimistic local mutation, ranked like push.
	SourceLocal Source = "local"
	// SourceDerived recomputed view over other keys; a tie replaces it.
	SourceDerived Source = "derived"
)

func (s Source) realtime() bool { return s != SourcePull }

// Key identity of one cached value, rendered as "type:id".
type Key struct {
	Type string
	ID   string
}

// NewKey builds a key.
func NewKey(entityType, id string) Key { return Key{Type: entityType, ID: id} }

func (k Key) String() string { return k.Type + ":" + k.ID }

// ParseKey parses "type:id".
func ParseKey(s string) (Key, error) {
	i := strings.Index(s, ":")
	if i <= 0 || i == len(s)-1 {
		return Key{}, fmt.Errorf("invalid cache key %q", s)
	}
	return Key{Type: s[:i], ID: s[i+1:]}, nil
}

// Entry a stored value with its write metadata.
type Entry struct {
	Key       Key
	Value     any
	UpdatedAt time.Time
	Source    Source
}

// Notification delivered to observers once per accepted write.
type Notification struct {
	Key     Key
	Entry   *Entry // nil when Deleted
	Deleted bool
	At      time.Time
}

// Observer a view registered on a key. Implementations must be comparable
// (pointer receivers) because they identify the subscription.
type Observer interface {
	Notify(n Notification) error
}

type tombstone struct {
	at     time.Time
	source Source
}

type slot struct {
	entry     *Entry
	tomb      *tombstone
	observers []Observer
	pinned    bool
}

func (s *slot) version() (time.Time, Source, bool) {
	switch {
	case s.entry != nil:
		return s.entry.UpdatedAt, s.entry.Source, true
	case s.tomb != nil:
		return s.tomb.at, s.tomb.source, true
	}
	return time.Time{}, "", false
}

func (s *slot) interested() bool { return len(s.observers) > 0 || s.pinned }

// Accepts reports whether a write stamped (at, src) wins over the stored
// version (storedAt, storedSrc). Newer always wins; on a tie push beats pull.
// A local write is only replaced by a strictly newer one.
func Accepts(storedAt time.Time, storedSrc Source, at time.Time, src Source) bool {
	if at.After(storedAt) {
		return true
	}
	if at.Before(storedAt) || storedSrc == SourceLocal {
		return false
	}
	return !(storedSrc.realtime() && !src.realtime())
}

// Cache keyed store with per-key observers.
type Cache struct {
	slots  map[Key]*slot
	logger *zap.Logger
}

// New creates an empty cache.
func New(logger *zap.Logger) *Cache {
	return &Cache{
		slots:  make(map[Key]*slot),
		logger: logger,
	}
}

// Get returns the current entry for key.
func (c *Cache) Get(key Key) (Entry, bool) {
	s, ok := c.slots[key]
	if !ok || s.entry == nil {
		return Entry{}, false
	}
	return *s.entry, true
}

// Set stores value if updatedAt is not older than the stored version (ties
// prefer push over pull). Stale writes are dropped and return false.
func (c *Cache) Set(key Key, value any, updatedAt time.Time, source Source) bool {
	s := c.slots[key]
	if s != nil {
		if at, src, ok := s.version(); ok && !Accepts(at, src, updatedAt, source) {
			c.logger.Debug("Dropped stale cache write",
				zap.String("key", key.String()),
				zap.Time("stored_at", at),
				zap.Time("incoming_at", updatedAt),
				zap.String("source", string(source)),
			)
			return false
		}
	} else {
		s = &slot{}
		c.slots[key] = s
	}

	s.entry = &Entry{Key: key, Value: value, UpdatedAt: updatedAt, Source: source}
	s.tomb = nil

	e := *s.entry
	c.notify(s, Notification{Key: key, Entry: &e, At: updatedAt})
	return true
}

// Delete removes the value under the same staleness rule as Set. A tombstone
// stays behind so older writes cannot resurrect the entity; observers get an
// explicit deletion marker.
func (c *Cache) Delete(key Key, at time.Time, source Source) bool {
	s := c.slots[key]
	if s == nil {
		s = &slot{}
		c.slots[key] = s
	} else if storedAt, src, ok := s.version(); ok && !Accepts(storedAt, src, at, source) {
		return false
	}

	existed := s.entry != nil
	s.entry = nil
	s.tomb = &tombstone{at: at, source: source}

	if existed {
		c.notify(s, Notification{Key: key, Deleted: true, At: at})
	}
	return true
}

// Subscribe registers observer on key. Subscribing twice is a no-op.
func (c *Cache) Subscribe(key Key, observer Observer) {
	s := c.slots[key]
	if s == nil {
		s = &slot{}
		c.slots[key] = s
	}
	for _, o := range s.observers {
		if o == observer {
			return
		}
	}
	s.observers = append(s.observers, observer)
}

// Unsubscribe removes observer. When the last observer of an unpinned key
// leaves, the entry is evicted. Returns whether the key was evicted.
func (c *Cache) Unsubscribe(key Key, observer Observer) bool {
	s := c.slots[key]
	if s == nil {
		return false
	}
	for i, o := range s.observers {
		if o == observer {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			break
		}
	}
	if s.interested() {
		return false
	}
	delete(c.slots, key)
	return true
}

// Pin keeps key alive without observers.
func (c *Cache) Pin(key Key) {
	s := c.slots[key]
	if s == nil {
		s = &slot{}
		c.slots[key] = s
	}
	s.pinned = true
}

// Unpin clears the pin; an unobserved key is evicted. Returns whether the key
// was evicted.
func (c *Cache) Unpin(key Key) bool {
	s := c.slots[key]
	if s == nil {
		return false
	}
	s.pinned = false
	if len(s.observers) > 0 {
		return false
	}
	delete(c.slots, key)
	return true
}

// Evict drops the value and tombstone of key. Observers and the pin stay.
func (c *Cache) Evict(key Key) {
	s := c.slots[key]
	if s == nil {
		return
	}
	if !s.interested() {
		delete(c.slots, key)
		return
	}
	s.entry = nil
	s.tomb = nil
}

// HasInterest reports whether key has an observer or is pinned.
func (c *Cache) HasInterest(key Key) bool {
	s, ok := c.slots[key]
	return ok && s.interested()
}

// Pinned reports whether key is pinned.
func (c *Cache) Pinned(key Key) bool {
	s, ok := c.slots[key]
	return ok && s.pinned
}

// ObserverCount number of observers on key.
func (c *Cache) ObserverCount(key Key) int {
	if s, ok := c.slots[key]; ok {
		return len(s.observers)
	}
	return 0
}

// Entries returns the entries of one key type sorted by key.
func (c *Cache) Entries(keyType string) []Entry {
	var out []Entry
	for k, s := range c.slots {
		if k.Type == keyType && s.entry != nil {
			out = append(out, *s.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out
}

// PinnedKeys returns every pinned key sorted.
func (c *Cache) PinnedKeys() []Key {
	return c.keys(func(s *slot) bool { return s.pinned })
}

// SubscribedKeys returns every key with at least one observer, sorted.
func (c *Cache) SubscribedKeys() []Key {
	return c.keys(func(s *slot) bool { return len(s.observers) > 0 })
}

func (c *Cache) keys(match func(*slot) bool) []Key {
	var out []Key
	for k, s := range c.slots {
		if match(s) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (c *Cache) notify(s *slot, n Notification) {
	// observers may unsubscribe from inside Notify
	observers := append([]Observer(nil), s.observers...)
	for _, o := range observers {
		c.deliver(o, n)
	}
}

func (c *Cache) deliver(o Observer, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Observer panicked",
				zap.String("key", n.Key.String()),
				zap.Any("panic", r),
			)
		}
	}()
	if err := o.Notify(n); err != nil {
		c.logger.Warn("Observer failed",
			zap.String("key", n.Key.String()),
			zap.Error(err),
		)
	}
}
