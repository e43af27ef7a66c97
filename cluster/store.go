package cluster

import (
	"fmt"
	"sync/atomic"

	"github.com/petar/GoLLRB/llrb"
)

// RangeAssignment is one (range, destination) pair contributed by a
// parsed UMCTL SETDB command.
type RangeAssignment struct {
	Range Range
	Dest  Destination
}

// DBUpdate bundles the assignments for one dbname in a single UMCTL
// SETDB invocation.
type DBUpdate struct {
	Dbname      string
	Assignments []RangeAssignment
}

// ReplDBUpdate bundles the replication records for one dbname in a
// single UMCTL SETREPL invocation.
type ReplDBUpdate struct {
	Dbname  string
	Records []ReplicationRecord
}

// snapshot is the value Store publishes atomically: every session
// either observes the entirely-old or the entirely-new snapshot,
// never a mix.
type snapshot struct {
	epoch    Epoch
	slotMaps map[string]*SlotMap
	repl     map[string]*ReplicationView
	migIndex map[string]*llrb.LLRB // dbname -> tree of migratingRangeItem
}

// Store is the epoch-versioned holder of the current slot maps and
// replication view. The zero value is not usable; use NewStore.
type Store struct {
	ptr atomic.Pointer[snapshot]
}

// NewStore returns an empty Store at epoch 0 with no dbnames
// configured; every lookup against it behaves as "no routing
// information available" until the first successful UMCTL SETDB.
func NewStore() *Store {
	s := &Store{}
	s.ptr.Store(&snapshot{
		epoch:    0,
		slotMaps: map[string]*SlotMap{},
		repl:     map[string]*ReplicationView{},
		migIndex: map[string]*llrb.LLRB{},
	})
	return s
}

// Snapshot returns the current (slot maps, replication views, epoch)
// as a read-only view. Callers must treat the returned maps and
// SlotMaps as immutable and must not retain them across more than one
// command.
func (s *Store) Snapshot() (map[string]*SlotMap, map[string]*ReplicationView, Epoch) {
	snap := s.ptr.Load()
	return snap.slotMaps, snap.repl, snap.epoch
}

// CurrentEpoch returns the store's current epoch.
func (s *Store) CurrentEpoch() Epoch {
	return s.ptr.Load().epoch
}

// DrainChecker reports whether the key-copy task for a Migrating
// range has completed a full scan cycle with no keys left in the
// range. A nil checker treats every range as drained.
type DrainChecker func(dbname string, r Range) bool

// ApplySetDB accepts updates only if force is set or epoch is
// strictly greater than the stored epoch; otherwise it is rejected
// with ErrStaleEpoch and the stored state is untouched. On acceptance
// every dbname in updates is rebuilt and validated for coverage and
// non-overlap; if any dbname fails validation the whole call is
// rejected and nothing is changed (all-or-nothing).
//
// A migration range active in the current snapshot survives into the
// new one unless the incoming epoch is at least the migration's epoch
// and, for the Migrating side, drained reports the range's copier has
// finished. A premature release keeps the range's current migration
// destination while the rest of the update lands.
func (s *Store) ApplySetDB(epoch Epoch, force bool, updates []DBUpdate, drained DrainChecker) error {
	cur := s.ptr.Load()
	if !force && epoch <= cur.epoch {
		return ErrStaleEpoch
	}

	newSlotMaps := make(map[string]*SlotMap, len(cur.slotMaps))
	for k, v := range cur.slotMaps {
		newSlotMaps[k] = v
	}
	newMigIndex := make(map[string]*llrb.LLRB, len(cur.migIndex))
	for k, v := range cur.migIndex {
		newMigIndex[k] = v
	}

	for _, upd := range updates {
		sm, err := buildSlotMap(epoch, upd.Assignments)
		if err != nil {
			return fmt.Errorf("dbname %q: %w", upd.Dbname, err)
		}
		if old, ok := cur.slotMaps[upd.Dbname]; ok {
			retainMigrations(old, sm, epoch, upd.Dbname, drained)
		}
		newSlotMaps[upd.Dbname] = sm
		newMigIndex[upd.Dbname] = buildMigrationIndex(sm)
	}

	next := &snapshot{
		epoch:    maxEpoch(cur.epoch, epoch),
		slotMaps: newSlotMaps,
		repl:     cur.repl,
		migIndex: newMigIndex,
	}
	s.ptr.Store(next)
	return nil
}

// ApplySetRepl applies the same epoch discipline as ApplySetDB,
// replacing the replication view wholesale.
func (s *Store) ApplySetRepl(epoch Epoch, force bool, updates []ReplDBUpdate) error {
	cur := s.ptr.Load()
	if !force && epoch <= cur.epoch {
		return ErrStaleEpoch
	}

	newRepl := make(map[string]*ReplicationView, len(cur.repl))
	for k, v := range cur.repl {
		newRepl[k] = v
	}
	for _, upd := range updates {
		newRepl[upd.Dbname] = &ReplicationView{Records: upd.Records}
	}

	next := &snapshot{
		epoch:    maxEpoch(cur.epoch, epoch),
		slotMaps: cur.slotMaps,
		repl:     newRepl,
		migIndex: cur.migIndex,
	}
	s.ptr.Store(next)
	return nil
}

// ActiveMigrations returns the Migrating-side ranges currently active
// for dbname, via the index built at ApplySetDB time. Returns nil if
// dbname is unknown.
func (s *Store) ActiveMigrations(dbname string) []MigrationInfo {
	snap := s.ptr.Load()
	tree, ok := snap.migIndex[dbname]
	if !ok || tree.Len() == 0 {
		return nil
	}
	var out []MigrationInfo
	tree.AscendGreaterOrEqual(tree.Min(), func(it llrb.Item) bool {
		out = append(out, it.(migratingRangeItem).info)
		return true
	})
	return out
}

// ClearAll implements UMCTL CLEARDB: it drops every dbname this proxy
// knows about, resetting routing to "nothing configured" without
// touching the epoch.
func (s *Store) ClearAll() {
	next := &snapshot{
		epoch:    s.ptr.Load().epoch,
		slotMaps: map[string]*SlotMap{},
		repl:     map[string]*ReplicationView{},
		migIndex: map[string]*llrb.LLRB{},
	}
	s.ptr.Store(next)
}

func maxEpoch(a, b Epoch) Epoch {
	if a > b {
		return a
	}
	return b
}

// migratingRangeItem orders active migration ranges by their lower
// bound, backing Store's GoLLRB index.
type migratingRangeItem struct {
	info MigrationInfo
}

func (m migratingRangeItem) Less(than llrb.Item) bool {
	return m.info.Range.Lo < than.(migratingRangeItem).info.Range.Lo
}

func buildMigrationIndex(sm *SlotMap) *llrb.LLRB {
	tree := llrb.New()
	for s := 0; s < SlotCount; s++ {
		if d := sm.Entries[s]; d.Kind == DestMigrating {
			tree.ReplaceOrInsert(migratingRangeItem{info: d.Migration})
		}
	}
	return tree
}

// retainMigrations overlays onto sm any migration range from old that
// the incoming update tries to clear too early. The Migrating side is
// released only once the incoming epoch reaches the migration's epoch
// and its copier reports the range drained; the Importing side is
// released on the epoch condition alone, since the destination has no
// local drain signal and relies on the control plane's ordering.
func retainMigrations(old, sm *SlotMap, epoch Epoch, dbname string, drained DrainChecker) {
	for s := 0; s < SlotCount; {
		d := old.Entries[s]
		if d.Kind != DestMigrating && d.Kind != DestImporting {
			s++
			continue
		}
		info := d.Migration
		next := int(info.Range.Hi) + 1
		if next <= s {
			next = s + 1
		}
		if sameMigration(sm, d) {
			s = next
			continue
		}
		releasable := epoch >= info.Epoch
		if d.Kind == DestMigrating && releasable && drained != nil {
			releasable = drained(dbname, info.Range)
		}
		if !releasable {
			for i := info.Range.Lo; ; i++ {
				sm.Entries[i] = d
				if i == info.Range.Hi {
					break
				}
			}
		}
		s = next
	}
}

// sameMigration reports whether sm still carries d's migration over
// d's whole range.
func sameMigration(sm *SlotMap, d Destination) bool {
	for s := d.Migration.Range.Lo; ; s++ {
		e := sm.Entries[s]
		if e.Kind != d.Kind || e.Migration != d.Migration {
			return false
		}
		if s == d.Migration.Range.Hi {
			return true
		}
	}
}
