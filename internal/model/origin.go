package model

import (
	"context"
	"sync"

	"github.com/nullstreams/moq/internal/wire"
	"github.com/nullstreams/moq/internal/wirepath"
)

// AnnounceEvent is one entry of an announce stream's replayable event log
// (spec §4.4, §8 invariant 6): Consumer is nil for an Ended event.
type AnnounceEvent struct {
	Suffix   wirepath.Path
	Consumer *BroadcastConsumer
	Active   bool
}

// node is one level of the origin tree, keyed by path segment from its
// parent. Its Path field is the absolute path it represents, cached so
// announce propagation doesn't need to reconstruct it by walking parents.
type node struct {
	parent   *node
	segment  string
	path     wirepath.Path
	children map[string]*node

	active *BroadcastConsumer
	backup []*BroadcastConsumer // stack; top = backup[len-1]
	subs   []*announceSub
}

func newNode(parent *node, segment string, path wirepath.Path) *node {
	return &node{parent: parent, segment: segment, path: path, children: make(map[string]*node)}
}

func (n *node) isEmpty() bool {
	return n.active == nil && len(n.backup) == 0 && len(n.children) == 0 && len(n.subs) == 0
}

// announceSub is one registered announce watcher. Events are pushed to it
// synchronously (no blocking channel send) from within the tree's critical
// section, which is what guarantees the atomic unannounce-then-announce
// ordering of spec §3's Origin invariants.
type announceSub struct {
	mu     sync.Mutex
	notify *notifier
	queue  []AnnounceEvent
}

func newAnnounceSub() *announceSub {
	return &announceSub{notify: newNotifier()}
}

func (s *announceSub) push(ev AnnounceEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.notify.broadcast()
}

// pop blocks for the next queued event.
func (s *announceSub) pop(ctx context.Context) (AnnounceEvent, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()
		if err := wait(ctx, s.notify); err != nil {
			return AnnounceEvent{}, err
		}
	}
}

// tryPop returns the next queued event without blocking.
func (s *announceSub) tryPop() (AnnounceEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return AnnounceEvent{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

// Origin is a tree of broadcasts keyed by Path (spec §3 Origin). It is the
// shared backing store behind every OriginProducer/OriginConsumer scoped
// view; callers virtually never use it directly.
type Origin struct {
	mu   sync.Mutex
	root *node
}

// NewOrigin creates an empty origin tree.
func NewOrigin() *Origin {
	return &Origin{root: newNode(nil, "", wirepath.Root)}
}

func (o *Origin) getOrCreateLocked(path wirepath.Path) *node {
	n := o.root
	cur := wirepath.Root
	for _, seg := range path.Segments {
		cur = cur.JoinString(seg)
		child, ok := n.children[seg]
		if !ok {
			child = newNode(n, seg, cur)
			n.children[seg] = child
		}
		n = child
	}
	return n
}

func (o *Origin) findLocked(path wirepath.Path) *node {
	n := o.root
	for _, seg := range path.Segments {
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// notifyLocked pushes an announce event to n and every ancestor up to the
// root, since a subscriber scoped at an ancestor watches the whole subtree
// beneath it (spec §3: "Announce notifications propagate up the tree").
func notifyLocked(n *node, absPath wirepath.Path, consumer *BroadcastConsumer, active bool) {
	for cur := n; cur != nil; cur = cur.parent {
		suffix, ok := absPath.StripPrefix(cur.path)
		if !ok {
			continue
		}
		for _, s := range cur.subs {
			s.push(AnnounceEvent{Suffix: suffix, Consumer: consumer, Active: active})
		}
	}
}

func gcLocked(n *node) {
	for n != nil && n.parent != nil && n.isEmpty() {
		parent := n.parent
		delete(parent.children, n.segment)
		n = parent
	}
}

// Publish installs consumer as the active broadcast at path. If a
// broadcast is already active there, it is pushed onto the backup stack
// and subscribers see Ended(old) then Active(new) atomically (spec §3
// Origin invariants, §8 scenario a). Publishing the identical consumer
// that is already active is a no-op (spec §9 "Duplicate-path handling").
func (o *Origin) Publish(path wirepath.Path, consumer *BroadcastConsumer) {
	o.mu.Lock()
	n := o.getOrCreateLocked(path)
	if n.active == consumer {
		o.mu.Unlock()
		return
	}
	old := n.active
	if old != nil {
		n.backup = append(n.backup, old)
		notifyLocked(n, path, old, false)
	}
	n.active = consumer
	notifyLocked(n, path, consumer, true)
	o.mu.Unlock()

	go func() {
		<-consumer.Closed()
		o.close(path, consumer)
	}()
}

// close is the cascading handler invoked once a published consumer's
// Closed() channel fires (spec §9 "cascading close propagation").
func (o *Origin) close(path wirepath.Path, consumer *BroadcastConsumer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.findLocked(path)
	if n == nil {
		return
	}
	switch {
	case n.active == consumer:
		n.active = nil
		if len(n.backup) > 0 {
			promoted := n.backup[len(n.backup)-1]
			n.backup = n.backup[:len(n.backup)-1]
			n.active = promoted
			notifyLocked(n, path, consumer, false)
			notifyLocked(n, path, promoted, true)
		} else {
			notifyLocked(n, path, consumer, false)
		}
		gcLocked(n)
	default:
		for i, b := range n.backup {
			if b == consumer {
				n.backup = append(n.backup[:i], n.backup[i+1:]...)
				gcLocked(n)
				return
			}
		}
	}
}

// Lookup returns the active broadcast consumer at path, if any, cloned for
// the caller to own.
func (o *Origin) Lookup(path wirepath.Path) (*BroadcastConsumer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.findLocked(path)
	if n == nil || n.active == nil {
		return nil, false
	}
	return n.active.Clone(), true
}

// Watch registers an announce subscriber rooted at prefix: it will observe
// every Active/Ended event for prefix and everything beneath it.
func (o *Origin) Watch(prefix wirepath.Path) *announceSub {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.getOrCreateLocked(prefix)
	sub := newAnnounceSub()
	n.subs = append(n.subs, sub)
	return sub
}

// Unwatch removes a previously-registered subscriber.
func (o *Origin) Unwatch(prefix wirepath.Path, sub *announceSub) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.findLocked(prefix)
	if n == nil {
		return
	}
	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
	gcLocked(n)
}

// snapshotEntry is one active broadcast discovered by Snapshot.
type snapshotEntry struct {
	Suffix   wirepath.Path
	Consumer *BroadcastConsumer
}

// Snapshot synchronously walks the subtree at prefix and returns every
// currently-active broadcast, relative to prefix (spec §4.4 AnnounceInit:
// "computed synchronously ... to provide a consistent baseline").
func (o *Origin) Snapshot(prefix wirepath.Path) []snapshotEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.findLocked(prefix)
	if n == nil {
		return nil
	}
	var out []snapshotEntry
	var walk func(*node)
	walk = func(cur *node) {
		if cur.active != nil {
			suffix, _ := cur.path.StripPrefix(prefix)
			out = append(out, snapshotEntry{Suffix: suffix, Consumer: cur.active})
		}
		for _, child := range cur.children {
			walk(child)
		}
	}
	walk(n)
	return out
}

// scopeRule is one entry of an allowed-prefix set (spec §3 OriginProducer
// / OriginConsumer). Exact entries (from an explicit "" prefix) match only
// the root path itself, per spec §9's Open Question decision; ordinary
// entries match the whole subtree under Prefix.
type scopeRule struct {
	prefix wirepath.Path
	exact  bool
}

func (r scopeRule) allows(p wirepath.Path) bool {
	if r.exact {
		return p.IsRoot()
	}
	return p.HasPrefix(r.prefix)
}

func (r scopeRule) coveredBy(other scopeRule) bool {
	if other.exact {
		return r.exact && r.prefix.IsRoot()
	}
	if r.exact {
		return r.prefix.IsRoot() && other.prefix.IsRoot()
	}
	return r.prefix.HasPrefix(other.prefix)
}

func rulesFromPrefixes(prefixes []string) []scopeRule {
	rules := make([]scopeRule, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" {
			rules = append(rules, scopeRule{exact: true})
			continue
		}
		rules = append(rules, scopeRule{prefix: wirepath.New(p)})
	}
	return rules
}

func allowedBy(rules []scopeRule, p wirepath.Path) bool {
	if rules == nil {
		return true // unrestricted
	}
	for _, r := range rules {
		if r.allows(p) {
			return true
		}
	}
	return false
}

// intersectRules narrows existing by new rules: when existing is nil
// (unrestricted), the result is exactly the new rules. Otherwise, a pair
// of rules intersects to whichever is more specific (one's subtree
// contains the other's); pairs that don't nest contribute nothing, since
// neither side alone is fully authorized under the other.
func intersectRules(existing, add []scopeRule) []scopeRule {
	if existing == nil {
		return add
	}
	var out []scopeRule
	for _, e := range existing {
		for _, a := range add {
			switch {
			case a.coveredBy(e):
				out = append(out, a)
			case e.coveredBy(a):
				out = append(out, e)
			}
		}
	}
	return out
}

// OriginProducer is a write-scoped view of an Origin: publishing is
// authorized only within root + the allowed-prefix set (spec §3).
type OriginProducer struct {
	origin  *Origin
	root    wirepath.Path
	allowed []scopeRule
}

// OriginConsumer is a read-scoped view of an Origin.
type OriginConsumer struct {
	origin  *Origin
	root    wirepath.Path
	allowed []scopeRule
}

// NewOriginProducer creates an unrestricted producer view over origin.
func NewOriginProducer(origin *Origin) *OriginProducer {
	return &OriginProducer{origin: origin}
}

// NewOriginConsumer creates an unrestricted consumer view over origin.
func NewOriginConsumer(origin *Origin) *OriginConsumer {
	return &OriginConsumer{origin: origin}
}

func (p *OriginProducer) isAllowed(abs wirepath.Path) bool { return allowedBy(p.allowed, abs) }
func (c *OriginConsumer) isAllowed(abs wirepath.Path) bool { return allowedBy(c.allowed, abs) }

// PublishOnly narrows the producer to the union of the given prefixes,
// intersected with any existing restriction.
func (p *OriginProducer) PublishOnly(prefixes ...string) *OriginProducer {
	return &OriginProducer{origin: p.origin, root: p.root, allowed: intersectRules(p.allowed, rulesFromPrefixes(prefixes))}
}

// ConsumeOnly narrows the consumer to the union of the given prefixes,
// intersected with any existing restriction.
func (c *OriginConsumer) ConsumeOnly(prefixes ...string) *OriginConsumer {
	return &OriginConsumer{origin: c.origin, root: c.root, allowed: intersectRules(c.allowed, rulesFromPrefixes(prefixes))}
}

// WithRoot rebases the producer: all relative paths passed to
// PublishBroadcast are joined onto newRoot instead. Fails if newRoot would
// escape the current allowed-prefix set.
func (p *OriginProducer) WithRoot(newRoot string) (*OriginProducer, error) {
	abs := wirepath.New(newRoot)
	if !p.isAllowed(abs) {
		return nil, wire.NewError(wire.KindUnauthorized, "root would escape allowed prefixes")
	}
	return &OriginProducer{origin: p.origin, root: abs, allowed: p.allowed}, nil
}

// WithRoot rebases the consumer analogously to OriginProducer.WithRoot.
func (c *OriginConsumer) WithRoot(newRoot string) (*OriginConsumer, error) {
	abs := wirepath.New(newRoot)
	if !c.isAllowed(abs) {
		return nil, wire.NewError(wire.KindUnauthorized, "root would escape allowed prefixes")
	}
	return &OriginConsumer{origin: c.origin, root: abs, allowed: c.allowed}, nil
}

// PublishBroadcast publishes consumer at root+path; fails if that absolute
// path is not under any allowed prefix (spec §3 OriginProducer).
func (p *OriginProducer) PublishBroadcast(path wirepath.Path, consumer *BroadcastConsumer) error {
	abs := p.root.Join(path)
	if !p.isAllowed(abs) {
		return wire.NewError(wire.KindUnauthorized, "path not under an allowed prefix")
	}
	p.origin.Publish(abs, consumer)
	return nil
}

// ConsumeBroadcast looks up the active broadcast at root+path.
func (c *OriginConsumer) ConsumeBroadcast(path wirepath.Path) (*BroadcastConsumer, bool) {
	abs := c.root.Join(path)
	if !c.isAllowed(abs) {
		return nil, false
	}
	return c.origin.Lookup(abs)
}

// Announced registers a new announce subscription for this consumer's
// root+prefix scope on every call and returns it; the caller drains it
// with AnnounceSub.Next / TryNext. It reports only changes made after
// registration; InitSnapshot gives the broadcasts already active.
func (c *OriginConsumer) Announced(prefix wirepath.Path) (*AnnounceSub, error) {
	abs := c.root.Join(prefix)
	if !c.isAllowed(abs) {
		return nil, wire.NewError(wire.KindUnauthorized, "prefix not under an allowed scope")
	}
	sub := c.origin.Watch(abs)
	return &AnnounceSub{origin: c.origin, prefix: abs, sub: sub}, nil
}

// InitSnapshot returns every broadcast active under root+prefix right now,
// relative to prefix (spec §4.4 AnnounceInit).
func (c *OriginConsumer) InitSnapshot(prefix wirepath.Path) ([]wirepath.Path, error) {
	abs := c.root.Join(prefix)
	if !c.isAllowed(abs) {
		return nil, wire.NewError(wire.KindUnauthorized, "prefix not under an allowed scope")
	}
	entries := c.origin.Snapshot(abs)
	out := make([]wirepath.Path, len(entries))
	for i, e := range entries {
		out[i] = e.Suffix
	}
	return out, nil
}

// AnnounceSub is a live handle on an announce subscription.
type AnnounceSub struct {
	origin *Origin
	prefix wirepath.Path
	sub    *announceSub
}

// Next blocks for the next announce event.
func (a *AnnounceSub) Next(ctx context.Context) (AnnounceEvent, error) {
	return a.sub.pop(ctx)
}

// TryNext returns the next announce event without blocking, if any is
// already queued (used to build an AnnounceInit snapshot+log without
// missing events that raced with the snapshot).
func (a *AnnounceSub) TryNext() (AnnounceEvent, bool) {
	return a.sub.tryPop()
}

// Close unregisters the subscription.
func (a *AnnounceSub) Close() {
	a.origin.Unwatch(a.prefix, a.sub)
}
