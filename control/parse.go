// Package control implements the UMCTL control-plane handler:
// parsing and validating SETDB/SETREPL/LISTDB/CLEARDB/INFOREPL, driving
// the metadata store, synthesizing CLUSTER NODES/SLOTS, and starting
// or stopping migration.Task goroutines as the store's active-migration
// index changes.
package control

import (
	"fmt"
	"strconv"
	"strings"

	"undermoon/cluster"
)

// tokenCursor walks a flat token slice, the shape UMCTL's grammar is
// easiest to parse against (no nesting beyond repetition).
type tokenCursor struct {
	toks []string
	pos  int
}

func (c *tokenCursor) done() bool { return c.pos >= len(c.toks) }

func (c *tokenCursor) peek() (string, bool) {
	if c.done() {
		return "", false
	}
	return c.toks[c.pos], true
}

func (c *tokenCursor) next() (string, error) {
	if c.done() {
		return "", fmt.Errorf("unexpected end of command")
	}
	t := c.toks[c.pos]
	c.pos++
	return t, nil
}

func (c *tokenCursor) nextInt() (int, error) {
	t, err := c.next()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(t)
	if err != nil {
		return 0, fmt.Errorf("expected integer, got %q", t)
	}
	return n, nil
}

func toTokens(cmdLine [][]byte) []string {
	toks := make([]string, len(cmdLine))
	for i, b := range cmdLine {
		toks[i] = string(b)
	}
	return toks
}

func parseFlags(s string) (force bool, err error) {
	switch strings.ToUpper(s) {
	case "NOFLAG":
		return false, nil
	case "FORCE":
		return true, nil
	default:
		return false, fmt.Errorf("unknown flags %q", s)
	}
}

func parseRange(s string) (cluster.Range, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return cluster.Range{}, fmt.Errorf("malformed range %q", s)
	}
	loN, err := strconv.Atoi(lo)
	if err != nil {
		return cluster.Range{}, fmt.Errorf("malformed range %q", s)
	}
	hiN, err := strconv.Atoi(hi)
	if err != nil {
		return cluster.Range{}, fmt.Errorf("malformed range %q", s)
	}
	return cluster.Range{Lo: cluster.Slot(loN), Hi: cluster.Slot(hiN)}, nil
}

// slotSpecResult is the outcome of parsing one slot_spec: either a
// flat list of ranges (plain ownership) or a single tagged migration
// spanning one or more ranges.
type slotSpecResult struct {
	ranges []cluster.Range
	tagged bool
	kind   cluster.DestKind // DestMigrating or DestImporting when tagged
	info   cluster.MigrationInfo
}

// parseSlotSpec consumes one slot_spec:
//
//	slot_spec :=  <count> <range>...
//	            | migrating <count> <range>... <epoch> <src_proxy> <src_backend> <dst_proxy> <dst_backend>
//	            | importing <count> <range>... <epoch> <src_proxy> <src_backend> <dst_proxy> <dst_backend>
func parseSlotSpec(c *tokenCursor) (slotSpecResult, error) {
	var res slotSpecResult

	head, ok := c.peek()
	if !ok {
		return res, fmt.Errorf("missing slot_spec")
	}
	tag := strings.ToLower(head)
	if tag == "migrating" || tag == "importing" {
		_, _ = c.next()
		count, err := c.nextInt()
		if err != nil {
			return res, err
		}
		res.ranges = make([]cluster.Range, 0, count)
		for i := 0; i < count; i++ {
			tok, err := c.next()
			if err != nil {
				return res, err
			}
			r, err := parseRange(tok)
			if err != nil {
				return res, err
			}
			res.ranges = append(res.ranges, r)
		}
		epochTok, err := c.nextInt()
		if err != nil {
			return res, fmt.Errorf("%s: missing migration epoch: %w", tag, err)
		}
		srcProxy, err := c.next()
		if err != nil {
			return res, err
		}
		srcBackend, err := c.next()
		if err != nil {
			return res, err
		}
		dstProxy, err := c.next()
		if err != nil {
			return res, err
		}
		dstBackend, err := c.next()
		if err != nil {
			return res, err
		}
		res.tagged = true
		if tag == "migrating" {
			res.kind = cluster.DestMigrating
		} else {
			res.kind = cluster.DestImporting
		}
		res.info = cluster.MigrationInfo{
			Epoch:      cluster.Epoch(epochTok),
			SrcProxy:   srcProxy,
			SrcBackend: srcBackend,
			DstProxy:   dstProxy,
			DstBackend: dstBackend,
		}
		// the range list lives on res.ranges; Range fields on
		// MigrationInfo are filled in per-range by the caller.
		return res, nil
	}

	count, err := c.nextInt()
	if err != nil {
		return res, err
	}
	res.ranges = make([]cluster.Range, 0, count)
	for i := 0; i < count; i++ {
		tok, err := c.next()
		if err != nil {
			return res, err
		}
		r, err := parseRange(tok)
		if err != nil {
			return res, err
		}
		res.ranges = append(res.ranges, r)
	}
	return res, nil
}

func isSectionKeyword(s string) bool {
	u := strings.ToUpper(s)
	return u == "PEER" || u == "CONFIG"
}

// parseSetDB parses the full body of UMCTL SETDB after the command
// name, returning the epoch, force flag, per-dbname assignments, and
// per-dbname config fields.
func parseSetDB(toks []string) (epoch cluster.Epoch, force bool, updates []cluster.DBUpdate, configs map[string]map[string]string, err error) {
	c := &tokenCursor{toks: toks}
	epochN, err := c.nextInt()
	if err != nil {
		return 0, false, nil, nil, err
	}
	flagTok, err := c.next()
	if err != nil {
		return 0, false, nil, nil, err
	}
	force, err = parseFlags(flagTok)
	if err != nil {
		return 0, false, nil, nil, err
	}
	epoch = cluster.Epoch(epochN)

	byDbname := map[string][]cluster.RangeAssignment{}
	order := []string{}
	configs = map[string]map[string]string{}

	addAssignment := func(dbname string, a cluster.RangeAssignment) {
		if _, ok := byDbname[dbname]; !ok {
			order = append(order, dbname)
		}
		byDbname[dbname] = append(byDbname[dbname], a)
	}

	section := "main"
	for !c.done() {
		tok, _ := c.peek()
		if isSectionKeyword(tok) {
			_, _ = c.next()
			section = strings.ToUpper(tok)
			continue
		}

		if section == "CONFIG" {
			dbname, err := c.next()
			if err != nil {
				return 0, false, nil, nil, err
			}
			field, err := c.next()
			if err != nil {
				return 0, false, nil, nil, err
			}
			value, err := c.next()
			if err != nil {
				return 0, false, nil, nil, err
			}
			if configs[dbname] == nil {
				configs[dbname] = map[string]string{}
			}
			configs[dbname][field] = value
			continue
		}

		dbname, err := c.next()
		if err != nil {
			return 0, false, nil, nil, err
		}
		addr, err := c.next()
		if err != nil {
			return 0, false, nil, nil, err
		}
		spec, err := parseSlotSpec(c)
		if err != nil {
			return 0, false, nil, nil, fmt.Errorf("dbname %q: %w", dbname, err)
		}

		for _, r := range spec.ranges {
			var dest cluster.Destination
			switch {
			case spec.tagged && spec.kind == cluster.DestMigrating:
				info := spec.info
				info.Range = r
				dest = cluster.Migrating(info)
			case spec.tagged && spec.kind == cluster.DestImporting:
				info := spec.info
				info.Range = r
				dest = cluster.Importing(info)
			case section == "PEER":
				dest = cluster.Peer(addr)
			default:
				dest = cluster.Local(addr)
			}
			addAssignment(dbname, cluster.RangeAssignment{Range: r, Dest: dest})
		}
	}

	updates = make([]cluster.DBUpdate, 0, len(order))
	for _, dbname := range order {
		updates = append(updates, cluster.DBUpdate{Dbname: dbname, Assignments: byDbname[dbname]})
	}
	return epoch, force, updates, configs, nil
}

// parseSetRepl parses the full body of UMCTL SETREPL after the
// command name.
func parseSetRepl(toks []string) (epoch cluster.Epoch, force bool, updates []cluster.ReplDBUpdate, err error) {
	c := &tokenCursor{toks: toks}
	epochN, err := c.nextInt()
	if err != nil {
		return 0, false, nil, err
	}
	flagTok, err := c.next()
	if err != nil {
		return 0, false, nil, err
	}
	force, err = parseFlags(flagTok)
	if err != nil {
		return 0, false, nil, err
	}
	epoch = cluster.Epoch(epochN)

	byDbname := map[string][]cluster.ReplicationRecord{}
	order := []string{}

	for !c.done() {
		roleTok, err := c.next()
		if err != nil {
			return 0, false, nil, err
		}
		role := strings.ToLower(roleTok)
		if role != "master" && role != "replica" {
			return 0, false, nil, fmt.Errorf("unknown role %q", roleTok)
		}
		dbname, err := c.next()
		if err != nil {
			return 0, false, nil, err
		}
		node, err := c.next()
		if err != nil {
			return 0, false, nil, err
		}
		peerCount, err := c.nextInt()
		if err != nil {
			return 0, false, nil, err
		}
		peers := make([]cluster.PeerRecord, 0, peerCount)
		for i := 0; i < peerCount; i++ {
			peerNode, err := c.next()
			if err != nil {
				return 0, false, nil, err
			}
			peerProxy, err := c.next()
			if err != nil {
				return 0, false, nil, err
			}
			peers = append(peers, cluster.PeerRecord{PeerNode: peerNode, PeerProxy: peerProxy})
		}
		if _, ok := byDbname[dbname]; !ok {
			order = append(order, dbname)
		}
		byDbname[dbname] = append(byDbname[dbname], cluster.ReplicationRecord{Role: role, Node: node, Peers: peers})
	}

	updates = make([]cluster.ReplDBUpdate, 0, len(order))
	for _, dbname := range order {
		updates = append(updates, cluster.ReplDBUpdate{Dbname: dbname, Records: byDbname[dbname]})
	}
	return epoch, force, updates, nil
}
