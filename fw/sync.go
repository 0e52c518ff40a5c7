package fw

import (
	"context"
	"fmt"
	"net/netip"
	"slices"

	"go.uber.org/zap"
)

// Synchronizer keeps a ledger of rules currently installed in the kernel and
// applies only the delta between that ledger and each tick's desired plans.
type Synchronizer struct {
	backend Backend
	applied map[string]map[netip.AddrPort]struct{}
}

// Stats counts the kernel mutations issued by one Sync call.
type Stats struct {
	Added   int
	Removed int
}

func NewSynchronizer(backend Backend) *Synchronizer {
	return &Synchronizer{
		backend: backend,
		applied: map[string]map[netip.AddrPort]struct{}{},
	}
}

func (sy *Synchronizer) Backend() Backend { return sy.backend }

// Sync reconciles the kernel with the given per-interface plans.
//
// New allowances are added before withdrawn ones are removed: a sync that
// dies in the middle leaves the kernel too permissive but never drops
// traffic that was allowed by the last complete application. Failed
// additions are not recorded in the ledger and failed removals are not
// erased from it, so the outstanding delta is retried on the next tick.
//
// Interfaces absent from plans keep their installed rules; enforcement
// fails open when an interface stops being reported.
func (sy *Synchronizer) Sync(ctx context.Context, plans map[string]Plan) (Stats, error) {
	var stats Stats
	var firstErr error
	for _, iface := range sortedKeys(plans) {
		plan := plans[iface]
		if err := sy.backend.EnsureInterface(ctx, iface, plan.ListenPort); err != nil {
			zap.S().Errorf("fw: %s: ensure interface: %s", iface, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", iface, err)
			}
			continue
		}
		current := sy.applied[iface]
		if current == nil {
			current = map[netip.AddrPort]struct{}{}
			sy.applied[iface] = current
		}

		var toAdd, toRemove []netip.AddrPort
		for ep := range plan.Allowed {
			if _, ok := current[ep]; !ok {
				toAdd = append(toAdd, ep)
			}
		}
		for ep := range current {
			if _, ok := plan.Allowed[ep]; !ok {
				toRemove = append(toRemove, ep)
			}
		}
		sortEndpoints(toAdd)
		sortEndpoints(toRemove)

		if len(toAdd) > 0 {
			if err := sy.backend.AddElements(ctx, iface, toAdd); err != nil {
				zap.S().Errorf("fw: %s: adding %d elements: %s", iface, len(toAdd), err)
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", iface, err)
				}
			} else {
				for _, ep := range toAdd {
					current[ep] = struct{}{}
				}
				stats.Added += len(toAdd)
			}
		}
		if len(toRemove) > 0 {
			if err := sy.backend.RemoveElements(ctx, iface, toRemove); err != nil {
				zap.S().Errorf("fw: %s: removing %d elements: %s", iface, len(toRemove), err)
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", iface, err)
				}
			} else {
				for _, ep := range toRemove {
					delete(current, ep)
				}
				stats.Removed += len(toRemove)
			}
		}
	}
	return stats, firstErr
}

// CurrentlyApplied returns the ledger's view of the interface's installed
// endpoints, sorted.
func (sy *Synchronizer) CurrentlyApplied(iface string) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(sy.applied[iface]))
	for ep := range sy.applied[iface] {
		out = append(out, ep)
	}
	sortEndpoints(out)
	return out
}

func sortedKeys(plans map[string]Plan) []string {
	keys := make([]string, 0, len(plans))
	for k := range plans {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sortEndpoints(eps []netip.AddrPort) {
	slices.SortFunc(eps, func(a, b netip.AddrPort) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return int(a.Port()) - int(b.Port())
	})
}
