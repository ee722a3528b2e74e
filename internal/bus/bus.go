// Package bus implements the filesystem-backed pub/sub message bus of
// spec.md §4.2: topic publish, glob/wildcard subscribe, and ping/pong
// liveness sit on top of it. There is no durable queue — a message
// published while nobody is subscribed may be lost (its file lingers
// only for messageTTL, and is delivered to the subscriptions that exist
// when this Bus first processes it) — so callers must establish a
// subscription before triggering the exchange that will reply on it.
package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/honkhost/gameserver-mgr/internal/glog"
)

// Message is a single delivery: the topic it was published on and its
// raw JSON payload.
type Message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Seq     uint64          `json:"seq"`
}

// envelope is the on-disk encoding of a single published message.
type envelope struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Publisher string          `json:"publisher"`
	Seq       uint64          `json:"seq"`
}

// messageTTL bounds how long a published message file lingers on disk
// for late-joining watchers to still pick up — best-effort only, per the
// "no durable queue" guarantee.
const messageTTL = 5 * time.Second

// Bus is a handle on the shared ipc directory for one process.
type Bus struct {
	dir        string
	publisher  string
	log        glog.Logger
	seq        atomic.Uint64
	watcher    *fsnotify.Watcher
	done       chan struct{}
	mu         sync.Mutex
	subs       []*subscription
	seenFiles  map[string]struct{}
	closeOnce  sync.Once
}

type subscription struct {
	id      string
	pattern []string
	ch      chan Message
}

// Open starts watching dir (created if absent, mode 0755) for inbound
// messages and returns a Bus ready to Publish/Subscribe.
func Open(dir string, opts ...Option) (*Bus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bus: mkdir %s: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("bus: new watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("bus: watch %s: %w", dir, err)
	}
	b := &Bus{
		dir:       dir,
		publisher: uuid.NewString(),
		log:       glog.New("bus", false),
		watcher:   watcher,
		done:      make(chan struct{}),
		seenFiles: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	go b.loop()
	return b, nil
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger overrides the default logger.
func WithLogger(lg glog.Logger) Option {
	return func(b *Bus) { b.log = lg }
}

// Publish fire-and-forgets payload on topic. Delivery is best-effort: a
// subscriber on the same host that is already watching will reliably see
// it, in order relative to this Bus's other publishes.
func (b *Bus) Publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for %s: %w", topic, err)
	}
	env := envelope{
		Topic:     topic,
		Payload:   data,
		Publisher: b.publisher,
		Seq:       b.seq.Add(1),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope for %s: %w", topic, err)
	}
	name := fmt.Sprintf("%020d-%s-%010d.json", time.Now().UnixNano(), b.publisher, env.Seq)
	path := filepath.Join(b.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("bus: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("bus: rename %s: %w", name, err)
	}
	go func() {
		time.Sleep(messageTTL)
		os.Remove(path)
	}()
	return nil
}

// Subscribe registers pattern (dot-separated topic segments; a trailing
// "#" segment matches any remainder, a bare "*" segment matches exactly
// one segment) and returns a Subscription delivering every matching
// message published from the moment Subscribe is called onward. A
// message published shortly before may also be delivered, if its file
// is still on disk and this Bus has not yet processed it.
func (b *Bus) Subscribe(pattern string) *Subscription {
	sub := &subscription{
		id:      uuid.NewString(),
		pattern: strings.Split(pattern, "."),
		ch:      make(chan Message, 256),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return &Subscription{bus: b, sub: sub, Pattern: pattern}
}

// Subscription is a live registration on a Bus.
type Subscription struct {
	bus     *Bus
	sub     *subscription
	Pattern string
}

// C is the channel of matching messages.
func (s *Subscription) C() <-chan Message { return s.sub.ch }

// Unsubscribe removes this one subscription.
func (s *Subscription) Unsubscribe() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == s.sub.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// StopWatching shuts the bus down cleanly: all subscriptions are closed
// and the directory watch stops. Safe to call once per Bus.
func (b *Bus) StopWatching() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.watcher.Close()
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, sub := range b.subs {
			close(sub.ch)
		}
		b.subs = nil
	})
}

func (b *Bus) loop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			b.deliverFile(ev.Name)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.log.Warn("watcher error", "err", err)
		case <-ticker.C:
			b.scanOnce()
		}
	}
}

func (b *Bus) scanOnce() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		b.deliverFile(filepath.Join(b.dir, e.Name()))
	}
}

func (b *Bus) deliverFile(path string) {
	if strings.HasSuffix(path, ".tmp") {
		return
	}
	b.mu.Lock()
	if _, seen := b.seenFiles[path]; seen {
		b.mu.Unlock()
		return
	}
	b.seenFiles[path] = struct{}{}
	if len(b.seenFiles) > 4096 {
		b.seenFiles = make(map[string]struct{})
	}
	b.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	msg := Message{Topic: env.Topic, Payload: env.Payload, Seq: env.Seq}

	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if topicMatch(sub.pattern, env.Topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		default:
			b.log.Warn("subscriber backpressure, dropping", "topic", env.Topic)
		}
	}
}

// topicMatch reports whether topic (dot-separated) matches pattern
// (already split on '.'). "#" in the final position matches any
// remainder (including zero segments); "*" matches exactly one segment.
func topicMatch(pattern []string, topic string) bool {
	segs := strings.Split(topic, ".")
	for i, p := range pattern {
		if p == "#" {
			return true // matches this and every remaining segment
		}
		if i >= len(segs) {
			return false
		}
		if p != "*" && p != segs[i] {
			return false
		}
	}
	return len(pattern) == len(segs)
}
