// SPDX-License-Identifier:Apache-2.0

package ovsdb

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	// ErrResourceTeardown is returned when claiming a shared resource
	// whose delete has already been started.
	ErrResourceTeardown = errors.New("shared resource is being torn down")
	// ErrDuplicateClaim is returned when a claimant claims a resource it
	// already holds.
	ErrDuplicateClaim = errors.New("resource already claimed by this claimant")
)

// ClaimResult tells a claimant whether its claim started the resource's
// creation.
type ClaimResult int

const (
	FirstClaim ClaimResult = iota
	AlreadyClaimed
)

func (r ClaimResult) String() string {
	if r == FirstClaim {
		return "first-claim"
	}
	return "already-claimed"
}

// resourceOwner creates and deletes the shared resources on behalf of
// the arbiter.
type resourceOwner interface {
	// createResource starts creating k and reports whether a create is
	// now in flight.
	createResource(k Key) bool
	deleteResource(k Key)
}

type resource struct {
	claimants   sets.Set[Key]
	creating    bool
	tearingDown bool
}

// Arbiter refcounts claims on shared resources so that a resource is
// created by its first claimant and deleted after its last release.
type Arbiter struct {
	logger    log.Logger
	owner     resourceOwner
	resources map[Key]*resource
}

func newArbiter(l log.Logger, owner resourceOwner) *Arbiter {
	return &Arbiter{
		logger:    l,
		owner:     owner,
		resources: map[Key]*resource{},
	}
}

// Claim registers claimant's interest in res.
func (a *Arbiter) Claim(res, claimant Key) (*Claim, ClaimResult, error) {
	r, ok := a.resources[res]
	if ok && r.tearingDown {
		return nil, AlreadyClaimed, ErrResourceTeardown
	}
	if ok && r.claimants.Has(claimant) {
		return nil, AlreadyClaimed, ErrDuplicateClaim
	}

	result := AlreadyClaimed
	if !ok {
		r = &resource{claimants: sets.New[Key]()}
		a.resources[res] = r
		result = FirstClaim
	}
	r.claimants.Insert(claimant)

	if result == FirstClaim {
		level.Debug(a.logger).Log("op", "claim", "resource", res, "claimant", claimant, "msg", "first claim, creating resource")
		r.creating = a.owner.createResource(res)
	}
	return &Claim{arbiter: a, resource: res, claimant: claimant}, result, nil
}

// Claimants returns how many claims res currently has.
func (a *Arbiter) Claimants(res Key) int {
	if r, ok := a.resources[res]; ok {
		return r.claimants.Len()
	}
	return 0
}

// createDone is called when the create of res has been acknowledged.
func (a *Arbiter) createDone(res Key) {
	r, ok := a.resources[res]
	if !ok || !r.creating {
		return
	}
	r.creating = false
	a.maybeDelete(res, r)
}

// forget drops all knowledge of res once it is gone from the device.
func (a *Arbiter) forget(res Key) {
	delete(a.resources, res)
}

func (a *Arbiter) release(res, claimant Key) {
	r, ok := a.resources[res]
	if !ok || !r.claimants.Has(claimant) {
		return
	}
	r.claimants.Delete(claimant)
	a.maybeDelete(res, r)
}

func (a *Arbiter) maybeDelete(res Key, r *resource) {
	if r.claimants.Len() > 0 || r.tearingDown {
		return
	}
	if r.creating {
		level.Debug(a.logger).Log("op", "release", "resource", res, "msg", "last claim released during create, delete deferred")
		return
	}
	r.tearingDown = true
	level.Debug(a.logger).Log("op", "release", "resource", res, "msg", "last claim released, deleting resource")
	a.owner.deleteResource(res)
}

// Claim is a claimant's hold on a shared resource.
type Claim struct {
	arbiter  *Arbiter
	resource Key
	claimant Key
	released bool
}

// Release gives up the claim. Releasing more than once, or releasing a
// nil claim, does nothing.
func (c *Claim) Release() {
	if c == nil || c.released {
		return
	}
	c.released = true
	c.arbiter.release(c.resource, c.claimant)
}
