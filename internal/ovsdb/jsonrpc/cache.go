// SPDX-License-Identifier:Apache-2.0

package jsonrpc

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"go.universe.tf/torsync/internal/ovsdb"
)

// rowCache remembers locators and locator sets so that multicast rows,
// which reach their destination through a locator set, can be reported
// with the destination address itself.
type rowCache struct {
	locators map[ovsdb.RowHandle]string
	sets     map[ovsdb.RowHandle][]ovsdb.RowHandle
}

func newRowCache() rowCache {
	return rowCache{
		locators: map[ovsdb.RowHandle]string{},
		sets:     map[ovsdb.RowHandle][]ovsdb.RowHandle{},
	}
}

func (c *rowCache) update(l log.Logger, tu tableUpdates) {
	for uuid, u := range tu[string(ovsdb.RemotePhysicalLocator)] {
		if u.New == nil {
			continue
		}
		fields, err := decodeRow(u.New)
		if err != nil {
			level.Debug(l).Log("op", "cache", "row", uuid, "error", err)
			continue
		}
		c.locators[ovsdb.RowHandle(uuid)] = fields.Text("dst_ip")
	}
	for uuid, u := range tu[string(ovsdb.RemotePhysicalLocatorSet)] {
		if u.New == nil {
			continue
		}
		fields, err := decodeRow(u.New)
		if err != nil {
			level.Debug(l).Log("op", "cache", "row", uuid, "error", err)
			continue
		}
		var members []ovsdb.RowHandle
		switch v := fields["locators"].(type) {
		case ovsdb.RowHandle:
			members = append(members, v)
		case []interface{}:
			for _, m := range v {
				if r, ok := m.(ovsdb.RowHandle); ok {
					members = append(members, r)
				}
			}
		}
		c.sets[ovsdb.RowHandle(uuid)] = members
	}
}

// prune forgets rows deleted by tu.
func (c *rowCache) prune(tu tableUpdates) {
	for uuid, u := range tu[string(ovsdb.RemotePhysicalLocator)] {
		if u.New == nil {
			delete(c.locators, ovsdb.RowHandle(uuid))
		}
	}
	for uuid, u := range tu[string(ovsdb.RemotePhysicalLocatorSet)] {
		if u.New == nil {
			delete(c.sets, ovsdb.RowHandle(uuid))
		}
	}
}

// destination returns the address of the first locator of set.
func (c *rowCache) destination(set ovsdb.RowHandle) string {
	for _, loc := range c.sets[set] {
		if dst, ok := c.locators[loc]; ok {
			return dst
		}
	}
	return ""
}
