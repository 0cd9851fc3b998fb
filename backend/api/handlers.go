package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dbehnke/mari-nexus/backend/repository"
	"github.com/dbehnke/mari-nexus/internal/mari"
	"github.com/dbehnke/mari-nexus/internal/registry"
)

// API bundles the monitor endpoints of the daemon.
type API struct {
	rt        *mari.Runtime
	events    *repository.EventLogRepository
	sessions  *repository.NodeSessionRepository
	reg       *registry.Service
	version   string
	buildTime string
	startTime time.Time
}

// New creates the API surface around a running runtime. The repositories and
// registry may be nil when persistence is disabled.
func New(rt *mari.Runtime, events *repository.EventLogRepository, sessions *repository.NodeSessionRepository, reg *registry.Service) *API {
	return &API{rt: rt, events: events, sessions: sessions, reg: reg, startTime: time.Now()}
}

// SetBuildInfo records version metadata for the version endpoint.
func (a *API) SetBuildInfo(version, buildTime string) {
	a.version = version
	a.buildTime = buildTime
}

// StatusData is the /api/status payload.
type StatusData struct {
	Role       string        `json:"role"`
	DeviceID   string        `json:"device_id"`
	ASN        uint64        `json:"asn"`
	ScheduleID uint8         `json:"schedule_id"`
	Cells      int           `json:"cells"`
	MaxNodes   int           `json:"max_nodes"`
	Assigned   int           `json:"assigned"`
	NodeState  string        `json:"node_state,omitempty"`
	Counters   mari.Counters `json:"counters"`
	UptimeSec  int           `json:"uptime_sec"`
}

// Snapshot builds the status payload; also reused for the WS hello.
func (a *API) Snapshot() StatusData {
	sched := a.rt.Schedule()
	data := StatusData{
		Role:       a.rt.Role().String(),
		DeviceID:   fmt.Sprintf("%016x", a.rt.DeviceID()),
		ASN:        a.rt.ASN(),
		ScheduleID: sched.ID,
		Cells:      sched.NumCells(),
		MaxNodes:   sched.MaxNodes(),
		Assigned:   sched.AssignedCount(),
		Counters:   a.rt.CountersSnapshot(),
		UptimeSec:  int(time.Since(a.startTime).Seconds()),
	}
	if a.rt.Role() == mari.RoleNode {
		data.NodeState = a.rt.NodeState().String()
	}
	return data
}

// Status reports the runtime snapshot.
func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Snapshot())
}

// NodeData is one row of the /api/nodes payload.
type NodeData struct {
	NodeID       string `json:"node_id"`
	Name         string `json:"name,omitempty"`
	CellIndex    int    `json:"cell_index"`
	LastHeardASN uint64 `json:"last_heard_asn"`
	JoinedASN    uint64 `json:"joined_asn"`
}

// Nodes lists the gateway's association table.
func (a *API) Nodes(w http.ResponseWriter, r *http.Request) {
	if a.rt.Role() != mari.RoleGateway {
		writeError(w, http.StatusBadRequest, "not_gateway", "node listing is gateway-only")
		return
	}
	peers := a.rt.GatewayPeers()
	out := make([]NodeData, 0, len(peers))
	for _, p := range peers {
		nd := NodeData{
			NodeID:       fmt.Sprintf("%016x", p.ID),
			CellIndex:    p.CellIndex,
			LastHeardASN: p.LastHeardASN,
			JoinedASN:    p.JoinedASN,
		}
		if a.reg != nil {
			if info := a.reg.Lookup(p.ID); info != nil {
				nd.Name = info.Name
			}
		}
		out = append(out, nd)
	}
	writeJSON(w, http.StatusOK, out)
}

// Events returns recent persisted events.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, http.StatusServiceUnavailable, "no_db", "event persistence disabled")
		return
	}
	limit := queryLimit(r, 50)
	logs, err := a.events.GetRecent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// Sessions returns recent membership sessions.
func (a *API) Sessions(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "no_db", "session persistence disabled")
		return
	}
	limit := queryLimit(r, 50)
	sessions, err := a.sessions.GetRecent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// Version reports build metadata.
func (a *API) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    a.version,
		"build_time": a.buildTime,
	})
}

// Health is a liveness endpoint.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

func queryLimit(r *http.Request, def int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}
