// Package retention decides which backups of a target have expired. It never
// touches storage or the catalog.
package retention

import (
	"fmt"
	"sort"
	"time"

	"dbkp/internal/catalog"
	"dbkp/internal/config"
	"dbkp/internal/fault"
)

// Policy keeps the newest MinKeep backups unconditionally. Older backups
// expire once they predate the oldest of those by more than MaxAge, so the
// age window is anchored at the protected set rather than at the sweep time.
// A zero MaxAge expires nothing.
type Policy struct {
	MinKeep int
	MaxAge  time.Duration
}

// FromConfig builds a Policy from a target's retention settings. Without
// settings every backup is kept.
func FromConfig(r *config.RetentionConfig) Policy {
	if r == nil {
		return Policy{MinKeep: 1}
	}
	return Policy{MinKeep: r.MinKeep, MaxAge: r.MaxAge()}
}

func (p Policy) String() string {
	if p.MaxAge == 0 {
		return fmt.Sprintf("keep all (min %d)", p.MinKeep)
	}
	return fmt.Sprintf("min %d, max age %s", p.MinKeep, p.MaxAge)
}

// Decision splits one target's completed records. Violation is set when the
// plan would break the policy's guarantees; such a plan deletes nothing.
type Decision struct {
	Keep      []catalog.Record
	Delete    []catalog.Record
	Violation error
}

// DeleteIDs lists the ids planned for deletion, oldest last.
func (d Decision) DeleteIDs() []string {
	ids := make([]string, 0, len(d.Delete))
	for _, r := range d.Delete {
		ids = append(ids, r.ID)
	}
	return ids
}

// Plan applies p to records as of now. Only completed records take part;
// they are ranked newest first, and on equal timestamps the lower id is
// considered older. Every planned deletion is older than MaxAge at now.
func Plan(records []catalog.Record, p Policy, now time.Time) Decision {
	ranked := make([]catalog.Record, 0, len(records))
	for _, r := range records {
		if r.Status == catalog.StatusCompleted {
			ranked = append(ranked, r)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	if p.MinKeep < 1 {
		return Decision{
			Keep:      ranked,
			Violation: fault.Newf(fault.KindRetentionPolicyViolation, "retention", "min_keep %d is below 1", p.MinKeep),
		}
	}

	var d Decision
	if len(ranked) <= p.MinKeep || p.MaxAge == 0 {
		d.Keep = ranked
		return d
	}
	anchor := ranked[p.MinKeep-1].CreatedAt
	for i, r := range ranked {
		if i < p.MinKeep || anchor.Sub(r.CreatedAt) <= p.MaxAge {
			d.Keep = append(d.Keep, r)
			continue
		}
		d.Delete = append(d.Delete, r)
	}
	if err := check(d, p, now, len(ranked)); err != nil {
		return Decision{Keep: ranked, Violation: err}
	}
	return d
}

// check re-verifies a plan before anything acts on it.
func check(d Decision, p Policy, now time.Time, total int) error {
	want := p.MinKeep
	if total < want {
		want = total
	}
	if len(d.Keep) < want {
		return fault.Newf(fault.KindRetentionPolicyViolation, "retention",
			"plan keeps %d of %d backups, below min_keep %d", len(d.Keep), total, p.MinKeep)
	}
	for _, r := range d.Delete {
		if p.MaxAge == 0 || r.Age(now) <= p.MaxAge {
			return fault.Newf(fault.KindRetentionPolicyViolation, "retention",
				"backup %s is %s old, within max age %s", r.ID, r.Age(now).Round(time.Second), p.MaxAge)
		}
	}
	return nil
}
