package classify

import "strings"

// Kind discriminates the high-level disposition of a parsed request.
type Kind int

const (
	// KindAuth: the argument selects the session's dbname.
	KindAuth Kind = iota
	// KindControl: a UMCTL subcommand, handed to the control handler.
	KindControl
	// KindClusterNodes / KindClusterSlots: synthesized from the
	// metadata snapshot.
	KindClusterNodes
	KindClusterSlots
	// KindDirect: answered or translated by the proxy without touching
	// a back end (PING/ECHO/SELECT/QUIT).
	KindDirect
	// KindData: an ordinary key-bearing command to route by slot.
	KindData
	// KindRejected: a command this proxy does not support sharding.
	KindRejected
	// KindUnknown: zero-argument or otherwise malformed request.
	KindUnknown
)

// Decision is the result of classifying one parsed command line.
type Decision struct {
	Kind      Kind
	CmdName   string
	Keys      [][]byte
	Slots     []uint16
	CrossSlot bool
	ReadOnly  bool
}

// Classify decides how a parsed command should be routed. cmdLine is
// the command name followed by its arguments, as produced by the RESP
// array the session read.
func Classify(cmdLine [][]byte) Decision {
	if len(cmdLine) == 0 {
		return Decision{Kind: KindUnknown}
	}
	name := strings.ToUpper(string(cmdLine[0]))

	switch name {
	case "AUTH":
		return Decision{Kind: KindAuth, CmdName: name, Keys: cmdLine[1:]}
	case "UMCTL":
		return Decision{Kind: KindControl, CmdName: name}
	case "CLUSTER":
		if len(cmdLine) >= 2 {
			switch strings.ToUpper(string(cmdLine[1])) {
			case "NODES":
				return Decision{Kind: KindClusterNodes, CmdName: name}
			case "SLOTS":
				return Decision{Kind: KindClusterSlots, CmdName: name}
			}
		}
		return Decision{Kind: KindUnknown, CmdName: name}
	}

	if noKeyCommands[name] {
		return Decision{Kind: KindDirect, CmdName: name}
	}

	d, ok := lookup(name)
	if ok && d.Reject {
		return Decision{Kind: KindRejected, CmdName: name}
	}

	var firstKey, lastKey, step int
	readOnly := false
	if ok {
		firstKey, lastKey, step, readOnly = d.FirstKey, d.LastKey, d.Step, d.ReadOnly
		if step == 0 {
			return Decision{Kind: KindData, CmdName: name, ReadOnly: readOnly}
		}
	} else {
		// conservative default: key at position 1, single key.
		firstKey, lastKey, step = 1, 1, 1
	}
	if len(cmdLine)-1 < firstKey {
		return Decision{Kind: KindUnknown, CmdName: name}
	}
	last := lastKey
	if last == -1 {
		last = len(cmdLine) - 1
	}

	var keys [][]byte
	var slots []uint16
	seen := map[uint16]bool{}
	crossSlot := false
	for i := firstKey; i <= last && i < len(cmdLine); i += step {
		key := cmdLine[i]
		keys = append(keys, key)
		slot := Slot(string(key))
		slots = append(slots, slot)
		seen[slot] = true
	}
	if len(seen) > 1 {
		crossSlot = true
	}

	return Decision{
		Kind:      KindData,
		CmdName:   name,
		Keys:      keys,
		Slots:     slots,
		CrossSlot: crossSlot,
		ReadOnly:  readOnly,
	}
}
