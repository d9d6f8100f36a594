package agent

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tacticalmesh/meshagent/pkg/api"
	"github.com/tacticalmesh/meshagent/pkg/observability"
)

// Status summarizes the agent for operators
func (a *Agent) Status() api.StatusReport {
	cfg := a.store.Get()
	stats := a.buffer.Stats()

	a.mu.Lock()
	rep := api.StatusReport{
		NodeID:     a.nodeID,
		Name:       cfg.Name,
		NodeType:   a.nodeType,
		Sequence:   a.sequence,
		LastPath:   a.lastPath,
		DirectLink: a.directUp,
		Uptime:     time.Since(a.started).Round(time.Second),
	}
	if !a.lastHeartbeat.IsZero() {
		last := a.lastHeartbeat
		rep.LastHeartbeat = &last
	}
	a.mu.Unlock()

	rep.State = string(a.state.State())
	rep.StateSince = a.state.Since().UTC()
	rep.CredentialsRejected = a.state.Fatal()
	rep.ActiveEndpoint = a.client.ActiveEndpoint()
	rep.Capabilities = a.capabilities()
	rep.Buffer = api.BufferStatus{
		Depth:    stats.Depth,
		Capacity: stats.Capacity,
		Dropped:  stats.Dropped,
		Flushed:  stats.Flushed,
	}

	if a.mesh != nil {
		ms := &api.MeshStatus{
			Peers:               make(map[string]int),
			Routes:              a.mesh.Routes().Len(),
			ControllerReachable: a.mesh.ControllerReachable(),
		}
		for status, n := range a.mesh.Peers().Counts() {
			ms.Peers[string(status)] = n
		}
		if route, err := a.mesh.Selector().NextHop(api.ControllerID); err == nil {
			ms.ControllerNextHop = route.NextHop
		}
		rep.Mesh = ms
	}
	return rep
}

// Routes returns the route table, closest destinations first
func (a *Agent) Routes() []api.RouteView {
	if a.mesh == nil {
		return nil
	}
	now := time.Now()
	entries := a.mesh.Routes().Snapshot()
	out := make([]api.RouteView, 0, len(entries))
	for _, e := range entries {
		out = append(out, api.RouteView{
			Destination: e.Destination,
			Origin:      e.Origin,
			NextHop:     e.NextHop,
			HopCount:    e.HopCount,
			RTTMillis:   float64(e.RTT.Microseconds()) / 1000,
			Reliability: e.Reliability,
			AgeSeconds:  now.Sub(e.UpdatedAt).Seconds(),
		})
	}
	return out
}

// Peers returns direct neighbours with their link metrics
func (a *Agent) Peers() []api.PeerView {
	if a.mesh == nil {
		return nil
	}
	peers := a.mesh.Peers().Snapshot()
	out := make([]api.PeerView, 0, len(peers))
	for _, p := range peers {
		v := api.PeerView{
			NodeID:   p.NodeID,
			Address:  p.Address,
			Status:   string(p.Status),
			LastSeen: p.LastSeen,
		}
		if l, ok := a.mesh.Links().Get(p.NodeID); ok {
			v.RTTMillis = float64(l.RTT.Microseconds()) / 1000
			v.Reliability = l.Reliability
			v.Tripped = l.Tripped()
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// mountAdmin registers the local status API
func (a *Agent) mountAdmin(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.GET("/status", a.handleStatus)
	g.GET("/routes", a.handleRoutes)
	g.GET("/peers", a.handlePeers)
	g.GET("/buffer", a.handleBuffer)
	g.GET("/commands", a.handleCommands)
	g.GET("/events", a.handleEvents)
	g.POST("/reload", a.handleReload)
}

func (a *Agent) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, a.Status())
}

func (a *Agent) handleRoutes(c echo.Context) error {
	routes := a.Routes()
	if routes == nil {
		routes = []api.RouteView{}
	}
	return c.JSON(http.StatusOK, routes)
}

func (a *Agent) handlePeers(c echo.Context) error {
	peers := a.Peers()
	if peers == nil {
		peers = []api.PeerView{}
	}
	return c.JSON(http.StatusOK, peers)
}

func (a *Agent) handleBuffer(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"stats":   a.buffer.Stats(),
		"records": a.buffer.Snapshot(),
	})
}

func (a *Agent) handleCommands(c echo.Context) error {
	entries, err := a.executor.Ledger().Recent(c.Request().Context(), queryLimit(c, 50))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

func (a *Agent) handleEvents(c echo.Context) error {
	filter := observability.EventFilter{Limit: queryLimit(c, 100)}
	if t := c.QueryParam("type"); t != "" {
		filter.Types = []observability.EventType{observability.EventType(t)}
	}
	if since := c.QueryParam("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
		filter.Since = ts
	}
	return c.JSON(http.StatusOK, a.events.GetEvents(filter))
}

func (a *Agent) handleReload(c echo.Context) error {
	if err := a.Reload("admin"); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, a.Status())
}

func queryLimit(c echo.Context, def int) int {
	n, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
