package cluster

import "sort"

// buildSlotMap validates assignments and produces the complete
// [SlotCount]Destination array for one dbname.
//
// Coverage and non-overlap are checked over the "owning" assignments
// (Local, Peer, Migrating) only; Importing assignments describe a
// range this proxy does not yet own and are overlaid into the array
// afterward without participating in the overlap check. Importing
// assignments are still bounds-checked.
func buildSlotMap(epoch Epoch, assignments []RangeAssignment) (*SlotMap, error) {
	var owning, importing []RangeAssignment
	for _, a := range assignments {
		if err := validateBounds(a.Range); err != nil {
			return nil, err
		}
		if a.Dest.Kind == DestMigrating && a.Dest.Migration.DstProxy == "" {
			return nil, ErrMigratingNeedsPeer
		}
		if a.Dest.Kind == DestImporting && a.Dest.Migration.SrcProxy == "" {
			return nil, ErrImportingNeedsSource
		}
		if a.Dest.Kind == DestImporting {
			importing = append(importing, a)
		} else {
			owning = append(owning, a)
		}
	}

	sort.Slice(owning, func(i, j int) bool { return owning[i].Range.Lo < owning[j].Range.Lo })

	sm := &SlotMap{Epoch: epoch}
	var nextExpected Slot
	for i, a := range owning {
		if a.Range.Lo != nextExpected {
			if i == 0 && a.Range.Lo != 0 {
				return nil, ErrSlotGap
			}
			if a.Range.Lo < nextExpected {
				return nil, ErrSlotOverlap
			}
			return nil, ErrSlotGap
		}
		for s := a.Range.Lo; ; s++ {
			sm.Entries[s] = a.Dest
			if s == a.Range.Hi {
				break
			}
		}
		nextExpected = a.Range.Hi + 1
	}
	if len(owning) > 0 && nextExpected != SlotCount {
		return nil, ErrSlotGap
	}
	if len(owning) == 0 {
		return nil, ErrSlotGap
	}

	for _, a := range importing {
		for s := a.Range.Lo; ; s++ {
			sm.Entries[s] = a.Dest
			if s == a.Range.Hi {
				break
			}
		}
	}

	return sm, nil
}

func validateBounds(r Range) error {
	if r.Lo > r.Hi || int(r.Hi) >= SlotCount {
		return ErrSlotOutOfRange
	}
	return nil
}
