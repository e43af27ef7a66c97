package control

import (
	"fmt"
	"strconv"
	"strings"

	"undermoon/cluster"
	"undermoon/resp"
)

// rangeGroup is every contiguous run of slots owned by one node
// address: CLUSTER NODES reports a group per line, CLUSTER SLOTS one
// entry per run.
type rangeGroup struct {
	addr   string
	ranges []cluster.Range
}

// groupByAddr run-length-encodes a dbname's slot map into one entry
// per distinct owning node address, the grouping CLUSTER NODES and
// CLUSTER SLOTS report. Local and Migrating ranges are attributed to
// this proxy's own address (it still serves them); Importing ranges
// are attributed to this proxy too, since DstProxy names it; Peer
// ranges are attributed to the peer's address.
func (h *Handler) groupByAddr(sm *cluster.SlotMap) []rangeGroup {
	groups := map[string][]cluster.Range{}
	order := []string{}

	var curAddr string
	var curLo cluster.Slot
	has := false

	flush := func(hi cluster.Slot) {
		if !has {
			return
		}
		if _, ok := groups[curAddr]; !ok {
			order = append(order, curAddr)
		}
		groups[curAddr] = append(groups[curAddr], cluster.Range{Lo: curLo, Hi: hi})
	}

	for s := 0; s < cluster.SlotCount; s++ {
		slot := cluster.Slot(s)
		addr := h.ownerAddr(sm.Entries[slot])
		if !has || addr != curAddr {
			flush(slot - 1)
			curAddr = addr
			curLo = slot
			has = true
		}
	}
	flush(cluster.Slot(cluster.SlotCount - 1))

	out := make([]rangeGroup, 0, len(order))
	for _, addr := range order {
		out = append(out, rangeGroup{addr: addr, ranges: groups[addr]})
	}
	return out
}

func (h *Handler) ownerAddr(dest cluster.Destination) string {
	switch dest.Kind {
	case cluster.DestPeer:
		return dest.PeerAddr
	default:
		return h.proxyAddr
	}
}

// ClusterNodes synthesizes CLUSTER NODES for dbname.
func (h *Handler) ClusterNodes(dbname string) resp.Reply {
	slotMaps, _, epoch := h.store.Snapshot()
	sm, ok := slotMaps[dbname]
	if !ok {
		return resp.BulkReply([]byte(""))
	}
	var sb strings.Builder
	for _, g := range h.groupByAddr(sm) {
		id := cluster.NodeID(dbname, g.addr)
		fmt.Fprintf(&sb, "%s %s master - 0 0 %d connected", id, g.addr, epoch)
		for _, r := range g.ranges {
			sb.WriteByte(' ')
			sb.WriteString(r.String())
		}
		sb.WriteByte('\n')
	}
	return resp.BulkReply([]byte(sb.String()))
}

// ClusterSlots synthesizes CLUSTER SLOTS for dbname: one
// array entry per range group, each [lo, hi, [ip, port, nodeID]].
func (h *Handler) ClusterSlots(dbname string) resp.Reply {
	slotMaps, _, _ := h.store.Snapshot()
	sm, ok := slotMaps[dbname]
	if !ok {
		return resp.ArrayReply(resp.Array{})
	}
	var rows resp.Array
	for _, g := range h.groupByAddr(sm) {
		id := cluster.NodeID(dbname, g.addr)
		host, port := splitHostPort(g.addr)
		for _, r := range g.ranges {
			node := resp.Array{
				resp.BulkString(host),
				resp.Integer(port),
				resp.BulkString(id),
			}
			rows = append(rows, resp.Array{
				resp.Integer(int64(r.Lo)),
				resp.Integer(int64(r.Hi)),
				node,
			})
		}
	}
	return resp.ArrayReply(rows)
}

func splitHostPort(addr string) (string, int64) {
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok {
		return addr, 0
	}
	port, _ := strconv.ParseInt(portStr, 10, 64)
	return host, port
}

// handleListDB implements UMCTL LISTDB: a structured summary of every
// dbname's owned range groups.
func (h *Handler) handleListDB() resp.Reply {
	slotMaps, _, _ := h.store.Snapshot()
	var rows resp.Array
	for dbname, sm := range slotMaps {
		var groupRows resp.Array
		for _, g := range h.groupByAddr(sm) {
			var ranges resp.Array
			for _, r := range g.ranges {
				ranges = append(ranges, resp.BulkString([]byte(r.String())))
			}
			groupRows = append(groupRows, resp.Array{
				resp.BulkString([]byte(g.addr)),
				ranges,
			})
		}
		rows = append(rows, resp.Array{
			resp.BulkString([]byte(dbname)),
			groupRows,
		})
	}
	return resp.ArrayReply(rows)
}

// handleInfoRepl implements UMCTL INFOREPL: one row per dbname that
// has replication records, carrying those records plus that dbname's
// active migrations' progress. A dbname with no replication records is
// not listed, even when it has active migrations.
func (h *Handler) handleInfoRepl() resp.Reply {
	_, repl, _ := h.store.Snapshot()
	var rows resp.Array
	for dbname, view := range repl {
		var records resp.Array
		for _, rec := range view.Records {
			var peers resp.Array
			for _, p := range rec.Peers {
				peers = append(peers, resp.Array{
					resp.BulkString([]byte(p.PeerNode)),
					resp.BulkString([]byte(p.PeerProxy)),
				})
			}
			records = append(records, resp.Array{
				resp.BulkString([]byte(rec.Role)),
				resp.BulkString([]byte(rec.Node)),
				peers,
			})
		}
		rows = append(rows, resp.Array{
			resp.BulkString([]byte(dbname)),
			records,
			h.migrationProgress(dbname),
		})
	}
	return resp.ArrayReply(rows)
}

func (h *Handler) migrationProgress(dbname string) resp.Array {
	var out resp.Array
	for _, info := range h.store.ActiveMigrations(dbname) {
		h.mu.Lock()
		task := h.tasks[migrationKey(dbname, info.Range)]
		h.mu.Unlock()
		drained := task != nil && task.Drained()
		out = append(out, resp.Array{
			resp.BulkString([]byte(info.Range.String())),
			resp.BulkString([]byte(info.DstProxy)),
			resp.BulkString([]byte(boolStr(drained))),
		})
	}
	return out
}

func boolStr(b bool) string {
	if b {
		return "drained"
	}
	return "pending"
}
