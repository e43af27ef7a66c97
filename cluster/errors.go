package cluster

import "errors"

// Typed sentinel errors so callers can use errors.Is/errors.As
// instead of string-matching.
var (
	ErrStaleEpoch           = errors.New("stale epoch")
	ErrSlotOutOfRange       = errors.New("slot out of range")
	ErrSlotGap              = errors.New("slot map has uncovered slots")
	ErrSlotOverlap          = errors.New("slot ranges overlap")
	ErrMigratingNeedsPeer   = errors.New("migrating entry must name a peer destination")
	ErrImportingNeedsSource = errors.New("importing entry must name a peer source")
)
