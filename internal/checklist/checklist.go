package checklist

import "sort"

// List is the ordered pair list for one Stream, kept sorted by
// descending priority.
type List struct {
	pairs []*Pair
}

// Pairs returns the current pair list, highest priority first.
func (l *List) Pairs() []*Pair { return l.pairs }

// Add appends a pair and re-sorts.
func (l *List) Add(p *Pair) {
	l.pairs = append(l.pairs, p)
	l.Sort()
}

// Sort re-orders the list by descending priority. Called on insertion
// and whenever a pair's priority changes (e.g. role flip).
func (l *List) Sort() {
	sort.SliceStable(l.pairs, func(i, j int) bool {
		return l.pairs[i].Priority > l.pairs[j].Priority
	})
}

// Prune removes every non-selected pair in {FROZEN, WAITING} that is
// redundant with a higher-priority pair sharing the same remote address
// (RFC 8445 §6.1.2.4). selected, if non-nil, is never removed.
func (l *List) Prune(selected *Pair) {
	kept := l.pairs[:0]
	for i, p := range l.pairs {
		if p == selected {
			kept = append(kept, p)
			continue
		}
		if p.State != Frozen && p.State != Waiting {
			kept = append(kept, p)
			continue
		}
		redundant := false
		for j := 0; j < i; j++ {
			higher := l.pairs[j]
			if higher == p {
				continue
			}
			if higher.IsRedundant(p) {
				redundant = true
				break
			}
		}
		if redundant {
			p.Kill()
			continue
		}
		kept = append(kept, p)
	}
	l.pairs = kept
}

// Unfreeze promotes every FROZEN pair to WAITING. Called when a
// connectivity-check tick finds no work anywhere.
func (l *List) Unfreeze() {
	for _, p := range l.pairs {
		if p.State == Frozen {
			p.State = Waiting
		}
	}
}

// FirstWaiting returns the highest-priority pair in WAITING state.
func (l *List) FirstWaiting() *Pair {
	for _, p := range l.pairs {
		if p.State == Waiting {
			return p
		}
	}
	return nil
}

// ByRemote finds the pair with the given remote address, if any.
func (l *List) ByRemote(ip string, port int) *Pair {
	for _, p := range l.pairs {
		if p.RemoteAddr == nil {
			continue
		}
		if p.RemoteAddr.IP.String() == ip && p.RemoteAddr.Port == port {
			return p
		}
	}
	return nil
}

// ExpireInProgress marks every IN_PROGRESS pair whose ProgressCount
// exceeds MaxProgressCount as FAILED.
func (l *List) ExpireInProgress() {
	for _, p := range l.pairs {
		if p.State == InProgress && p.ProgressCount > MaxProgressCount {
			p.State = Failed
		}
	}
}

// RecomputeAll recomputes every pair's priority for the given local
// candidate priority and role, then re-sorts. Called on a role flip.
func (l *List) RecomputeAll(localPriority uint32, controlling bool) {
	for _, p := range l.pairs {
		p.Recompute(localPriority, controlling)
	}
	l.Sort()
}
