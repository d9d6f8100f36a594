package commands

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tacticalmesh/meshagent/pkg/api"
	"github.com/tacticalmesh/meshagent/pkg/buffer"
	"github.com/tacticalmesh/meshagent/pkg/command"
	"github.com/tacticalmesh/meshagent/pkg/observability"
)

// session bundles what every admin command needs
type session struct {
	client *AdminClient
	out    *Outputter
	ctx    context.Context
}

func newSession(cmd *cobra.Command) (*session, error) {
	format, err := ParseOutputFormat(viper.GetString("output"))
	if err != nil {
		return nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return &session{
		client: NewAdminClient(viper.GetString("admin")),
		out:    NewOutputter(format, cmd.OutOrStdout()),
		ctx:    ctx,
	}, nil
}

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the connection state of a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var st api.StatusReport
			if err := s.client.Get(s.ctx, "/status", nil, &st); err != nil {
				return err
			}
			return s.out.Render(st, func() ([]string, [][]string) { return statusTable(st) })
		},
	}
}

func statusTable(st api.StatusReport) ([]string, [][]string) {
	state := st.State
	if st.CredentialsRejected {
		state += " (credentials rejected)"
	}
	link := "down"
	switch {
	case st.DirectLink:
		link = "direct"
	case st.LastPath == "relay":
		link = "down, relaying through peers"
	}
	last := "never"
	if st.LastHeartbeat != nil {
		last = fmt.Sprintf("%s via %s", st.LastHeartbeat.Local().Format(time.RFC3339), st.LastPath)
	}

	rows := [][]string{
		{"Node", fmt.Sprintf("%s (%s)", st.NodeID, st.Name)},
		{"Role", string(st.NodeType)},
		{"State", state},
		{"Since", st.StateSince.Local().Format(time.RFC3339)},
		{"Controller", orDash(st.ActiveEndpoint)},
		{"Controller link", link},
		{"Last heartbeat", last},
		{"Sequence", strconv.FormatUint(st.Sequence, 10)},
		{"Buffer", fmt.Sprintf("%d/%d (dropped %d, flushed %d)", st.Buffer.Depth, st.Buffer.Capacity, st.Buffer.Dropped, st.Buffer.Flushed)},
	}
	if m := st.Mesh; m != nil {
		reach := "unreachable"
		if m.ControllerReachable {
			reach = "reachable via " + orDash(m.ControllerNextHop)
		}
		rows = append(rows,
			[]string{"Mesh peers", peerCounts(m.Peers)},
			[]string{"Mesh routes", strconv.Itoa(m.Routes)},
			[]string{"Mesh controller", reach},
		)
	}
	rows = append(rows, []string{"Uptime", st.Uptime.String()})
	return []string{"Field", "Value"}, rows
}

func peerCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", strings.ToLower(k), counts[k]))
	}
	return strings.Join(parts, " ")
}

// NewRoutesCommand creates the routes command
func NewRoutesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Show the mesh route table",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var routes []api.RouteView
			if err := s.client.Get(s.ctx, "/routes", nil, &routes); err != nil {
				return err
			}
			return s.out.Render(routes, func() ([]string, [][]string) { return routesTable(routes) })
		},
	}
}

func routesTable(routes []api.RouteView) ([]string, [][]string) {
	rows := make([][]string, 0, len(routes))
	for _, r := range routes {
		rows = append(rows, []string{
			r.Destination,
			r.NextHop,
			strconv.Itoa(r.HopCount),
			fmt.Sprintf("%.1f", r.RTTMillis),
			fmt.Sprintf("%.2f", r.Reliability),
			fmt.Sprintf("%.0fs", r.AgeSeconds),
		})
	}
	return []string{"Destination", "Next Hop", "Hops", "RTT (ms)", "Reliability", "Age"}, rows
}

// NewPeersCommand creates the peers command
func NewPeersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "Show direct mesh neighbours",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var peers []api.PeerView
			if err := s.client.Get(s.ctx, "/peers", nil, &peers); err != nil {
				return err
			}
			return s.out.Render(peers, func() ([]string, [][]string) { return peersTable(peers, time.Now()) })
		},
	}
}

func peersTable(peers []api.PeerView, now time.Time) ([]string, [][]string) {
	rows := make([][]string, 0, len(peers))
	for _, p := range peers {
		seen := "never"
		if !p.LastSeen.IsZero() {
			seen = now.Sub(p.LastSeen).Round(time.Second).String() + " ago"
		}
		status := p.Status
		if p.Tripped {
			status += " (tripped)"
		}
		rows = append(rows, []string{
			orDash(p.NodeID),
			p.Address,
			status,
			fmt.Sprintf("%.1f", p.RTTMillis),
			fmt.Sprintf("%.2f", p.Reliability),
			seen,
		})
	}
	return []string{"Node", "Address", "Status", "RTT (ms)", "Reliability", "Last Seen"}, rows
}

type bufferView struct {
	Stats   buffer.Stats    `json:"stats" yaml:"stats"`
	Records []buffer.Record `json:"records" yaml:"records"`
}

// NewBufferCommand creates the buffer command
func NewBufferCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "buffer",
		Short: "Show records waiting for delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var view bufferView
			if err := s.client.Get(s.ctx, "/buffer", nil, &view); err != nil {
				return err
			}
			return s.out.Render(view, func() ([]string, [][]string) { return bufferTable(view.Records) })
		},
	}
}

func bufferTable(records []buffer.Record) ([]string, [][]string) {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		detail := ""
		switch {
		case r.Heartbeat != nil:
			detail = "seq " + strconv.FormatUint(r.Heartbeat.Sequence, 10)
		case r.Report != nil:
			detail = fmt.Sprintf("%s %s", r.Report.CommandID, r.Report.Status)
		}
		rows = append(rows, []string{
			strconv.FormatUint(r.ID, 10),
			string(r.Kind),
			detail,
			r.EnqueuedAt.Local().Format(time.RFC3339),
			strconv.Itoa(r.Attempts),
		})
	}
	return []string{"ID", "Kind", "Detail", "Enqueued", "Attempts"}, rows
}

// NewCommandsCommand creates the commands command
func NewCommandsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Show recently executed commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			var entries []command.Entry
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if err := s.client.Get(s.ctx, "/commands", q, &entries); err != nil {
				return err
			}
			return s.out.Render(entries, func() ([]string, [][]string) { return commandsTable(entries) })
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum number of commands")
	return cmd
}

func commandsTable(entries []command.Entry) ([]string, [][]string) {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		done := "-"
		if e.CompletedAt != nil {
			done = e.CompletedAt.Local().Format(time.RFC3339)
		}
		rows = append(rows, []string{
			e.CommandID,
			string(e.Type),
			string(e.Status),
			e.ReceivedAt.Local().Format(time.RFC3339),
			done,
			orDash(e.Error),
		})
	}
	return []string{"Command", "Type", "Status", "Received", "Completed", "Error"}, rows
}

// NewEventsCommand creates the events command
func NewEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the agent's event journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			q := url.Values{}
			if t, _ := cmd.Flags().GetString("type"); t != "" {
				q.Set("type", t)
			}
			if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
				q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}
			limit, _ := cmd.Flags().GetInt("limit")
			q.Set("limit", strconv.Itoa(limit))

			var events []observability.Event
			if err := s.client.Get(s.ctx, "/events", q, &events); err != nil {
				return err
			}
			return s.out.Render(events, func() ([]string, [][]string) { return eventsTable(events) })
		},
	}
	cmd.Flags().String("type", "", "Only events of this type (e.g. agent.state_changed)")
	cmd.Flags().Duration("since", 0, "Only events newer than this age")
	cmd.Flags().Int("limit", 100, "Maximum number of events")
	return cmd
}

func eventsTable(events []observability.Event) ([]string, [][]string) {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			ev.Timestamp.Local().Format(time.RFC3339),
			string(ev.Type),
			string(ev.Severity),
			ev.Description,
		})
	}
	return []string{"Time", "Type", "Severity", "Description"}, rows
}

// NewReloadCommand creates the reload command
func NewReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read the agent configuration and clear a credential rejection",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var st api.StatusReport
			if err := s.client.Post(s.ctx, "/reload", &st); err != nil {
				return err
			}
			return s.out.Render(st, func() ([]string, [][]string) { return statusTable(st) })
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
