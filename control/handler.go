package control

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"undermoon/backend"
	"undermoon/cluster"
	"undermoon/lib/logger"
	"undermoon/lib/ratelimit"
	"undermoon/migration"
	"undermoon/resp"
)

// Handler parses UMCTL verbs, drives a cluster.Store, starts and stops
// migration.Tasks as the store's active-migration index changes, and
// answers CLUSTER NODES/SLOTS from the store's snapshot.
type Handler struct {
	store     *cluster.Store
	pool      *backend.Pool
	limiter   *ratelimit.Limiter
	proxyAddr string

	mu    sync.Mutex
	tasks map[string]*migration.Task // key: dbname + "|" + range string
}

// NewHandler builds a Handler bound to store and pool. proxyAddr is
// this proxy's own advertised address, reported as the owner of its
// Local, Migrating and Importing ranges in CLUSTER NODES/SLOTS and
// UMCTL LISTDB.
func NewHandler(store *cluster.Store, pool *backend.Pool, limiter *ratelimit.Limiter, proxyAddr string) *Handler {
	return &Handler{
		store:     store,
		pool:      pool,
		limiter:   limiter,
		proxyAddr: proxyAddr,
		tasks:     map[string]*migration.Task{},
	}
}

// Store exposes the bound store for the session layer's routing path.
func (h *Handler) Store() *cluster.Store { return h.store }

// Dispatch handles one UMCTL command line (cmdLine[0] == "UMCTL").
func (h *Handler) Dispatch(cmdLine [][]byte) resp.Reply {
	if len(cmdLine) < 2 {
		return resp.MakeArgNumErrReply("UMCTL")
	}
	sub := strings.ToUpper(string(cmdLine[1]))
	args := toTokens(cmdLine[2:])
	// correlation ID tying an UMCTL invocation's log lines together.
	opID := uuid.NewString()[:8]

	switch sub {
	case "SETDB":
		return h.handleSetDB(opID, args)
	case "SETREPL":
		return h.handleSetRepl(opID, args)
	case "LISTDB":
		return h.handleListDB()
	case "CLEARDB":
		return h.handleClearDB(opID)
	case "INFOREPL":
		return h.handleInfoRepl()
	default:
		return resp.MakeErrReply("ERR unknown UMCTL subcommand '" + sub + "'")
	}
}

func (h *Handler) handleSetDB(opID string, args []string) resp.Reply {
	epoch, force, updates, configs, err := parseSetDB(args)
	if err != nil {
		logger.Warnf("umctl[%s] SETDB parse error: %v", opID, err)
		return resp.MakeErrReply("ERR " + err.Error())
	}
	for dbname, fields := range configs {
		for field, value := range fields {
			logger.Infof("umctl[%s] SETDB config %s: %s=%s", opID, dbname, field, value)
		}
	}
	if err := h.store.ApplySetDB(epoch, force, updates, h.taskDrained); err != nil {
		logger.Warnf("umctl[%s] SETDB rejected: %v", opID, err)
		return resp.MakeErrReply("ERR " + err.Error())
	}
	logger.Infof("umctl[%s] SETDB accepted, epoch=%d dbnames=%d", opID, epoch, len(updates))
	h.reconcileMigrations()
	return resp.OKReply
}

func (h *Handler) handleSetRepl(opID string, args []string) resp.Reply {
	epoch, force, updates, err := parseSetRepl(args)
	if err != nil {
		logger.Warnf("umctl[%s] SETREPL parse error: %v", opID, err)
		return resp.MakeErrReply("ERR " + err.Error())
	}
	if err := h.store.ApplySetRepl(epoch, force, updates); err != nil {
		logger.Warnf("umctl[%s] SETREPL rejected: %v", opID, err)
		return resp.MakeErrReply("ERR " + err.Error())
	}
	logger.Infof("umctl[%s] SETREPL accepted, epoch=%d dbnames=%d", opID, epoch, len(updates))
	return resp.OKReply
}

func (h *Handler) handleClearDB(opID string) resp.Reply {
	h.store.ClearAll()
	h.mu.Lock()
	for key, task := range h.tasks {
		task.Stop()
		delete(h.tasks, key)
	}
	h.mu.Unlock()
	logger.Infof("umctl[%s] CLEARDB accepted", opID)
	return resp.OKReply
}

// reconcileMigrations starts a migration.Task for every Migrating
// range newly visible in the store and stops any task whose range the
// store no longer reports as active.
func (h *Handler) reconcileMigrations() {
	slotMaps, _, _ := h.store.Snapshot()

	live := map[string]bool{}
	h.mu.Lock()
	for dbname := range slotMaps {
		for _, info := range h.store.ActiveMigrations(dbname) {
			key := migrationKey(dbname, info.Range)
			live[key] = true
			if _, ok := h.tasks[key]; !ok {
				logger.Infof("migration start: dbname=%s range=%s epoch=%d", dbname, info.Range, info.Epoch)
				h.tasks[key] = migration.Start(dbname, info, h.pool, h.limiter)
			}
		}
	}
	for key, task := range h.tasks {
		if !live[key] {
			task.Stop()
			delete(h.tasks, key)
		}
	}
	h.mu.Unlock()
}

// Close stops every active migration task, for shutdown.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, task := range h.tasks {
		task.Stop()
		delete(h.tasks, key)
	}
	return nil
}

// taskDrained is the DrainChecker the store consults before letting a
// SETDB clear a Migrating range: true only once this proxy's own
// copier for the range reports a clean pass.
func (h *Handler) taskDrained(dbname string, r cluster.Range) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	task, ok := h.tasks[migrationKey(dbname, r)]
	return ok && task.Drained()
}

func migrationKey(dbname string, r cluster.Range) string {
	return fmt.Sprintf("%s|%s", dbname, r)
}
