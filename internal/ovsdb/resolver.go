// SPDX-License-Identifier:Apache-2.0

package ovsdb

import (
	"github.com/go-kit/log/level"
)

type dependency struct {
	key Key
	// shared dependencies are held through the arbiter rather than
	// just referenced.
	shared bool
}

// dependencies lists what e needs on the device before it can be
// encoded. Stale entries need nothing: they already exist remotely.
func (c *Client) dependencies(e *Entry) []dependency {
	if e.stale {
		return nil
	}
	switch o := e.obj.(type) {
	case LogicalSwitch:
		return []dependency{
			{key: Key{Kind: KindPhysicalSwitch, Name: o.DeviceName}},
			{key: Key{Kind: KindPhysicalLocator, Name: c.tsnIP}, shared: true},
		}
	case PhysicalLocator, PhysicalSwitch, nil:
		return nil
	default:
		panic("ovsdb: unhandled object type")
	}
}

// resolve returns the root dependency blocking e, if any. Shared
// dependencies are claimed on the way, the first time e gets that far.
func (c *Client) resolve(e *Entry) (Key, bool) {
	for _, d := range c.dependencies(e) {
		dep := c.Table(d.key.Kind).GetOrCreateReference(d.key.Name)
		if dep == nil {
			return d.key, true
		}

		if d.shared && e.claim == nil {
			claim, result, err := c.arbiter.Claim(d.key, e.key)
			if err != nil {
				level.Debug(c.logger).Log("op", "resolve", "key", e.key, "dependency", d.key, "msg", "claim rejected", "error", err)
				return d.key, true
			}
			level.Debug(c.logger).Log("op", "resolve", "key", e.key, "dependency", d.key, "claim", result)
			e.claim = claim
		}

		if c.isResolved(dep) {
			continue
		}
		return c.rootBlocker(e.key, dep), true
	}
	return Key{}, false
}

// rootBlocker follows the chain of blocked entries starting at dep and
// returns the last one, stopping at cycles.
func (c *Client) rootBlocker(from Key, dep *Entry) Key {
	visited := map[Key]bool{from: true, dep.key: true}
	root := dep
	for root.state == StateUnresolved && root.blocked {
		if visited[root.blocker] {
			break
		}
		next := c.lookup(root.blocker)
		if next == nil || c.isResolved(next) {
			break
		}
		visited[next.key] = true
		root = next
	}
	return root.key
}

// isResolved reports whether e can be referenced by a dependent: it is
// on the device, known by row, and not going away.
func (c *Client) isResolved(e *Entry) bool {
	return e != nil && !e.deleted && e.active() && e.row != ""
}

// IsResolved reports whether the entry for k can be referenced.
func (c *Client) IsResolved(k Key) bool {
	return c.isResolved(c.lookup(k))
}

// wait records that dependent must be re-evaluated when blocker changes.
func (c *Client) wait(blocker, dependent Key) {
	ds, ok := c.waiters[blocker]
	if !ok {
		ds = newKeySet()
		c.waiters[blocker] = ds
	}
	ds.Insert(dependent)
}

// wake re-evaluates every entry waiting on k.
func (c *Client) wake(k Key) {
	ds, ok := c.waiters[k]
	if !ok {
		return
	}
	delete(c.waiters, k)
	for _, d := range sortedKeys(ds) {
		e := c.lookup(d)
		if e == nil || e.state != StateUnresolved {
			continue
		}
		c.Table(d.Kind).process(e)
	}
}

// unwait stops e waiting on its blocker. A blocker that is only a
// placeholder, with nothing else waiting on it, is erased.
func (c *Client) unwait(e *Entry) {
	if !e.blocked {
		return
	}
	k := e.blocker
	e.blocker, e.blocked = Key{}, false
	if ds, ok := c.waiters[k]; ok {
		ds.Delete(e.key)
		if ds.Len() > 0 {
			return
		}
		delete(c.waiters, k)
	}
	if c.closing {
		return
	}
	p := c.lookup(k)
	if p == nil || p.obj != nil || p.row != "" || p.inflight != 0 || p.state != StateInit {
		return
	}
	level.Debug(c.logger).Log("op", "resolve", "key", k, "msg", "reclaiming unused placeholder")
	c.Table(k.Kind).erase(p)
}
