package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"uwushare/internal/metrics"
	"uwushare/internal/store"
)

func runStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err, 2)
	}
	var snap metrics.Snapshot
	found, err := store.ReadJSON(cfg.Metrics.SnapshotPath, &snap)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if !found {
		return cli.Exit(fmt.Sprintf("status: no snapshot at %s (is the node running?)", cfg.Metrics.SnapshotPath), 1)
	}
	printStatus(c.App.Writer, cfg.Role, snap)
	return nil
}

func printStatus(w io.Writer, role string, snap metrics.Snapshot) {
	fmt.Fprintf(w, "Local observation summary for %s node (%s):\n", role, snap.GeneratedAt.Format("2006-01-02 15:04:05"))
	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"metric", "value"})
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	u := func(v uint64) string { return strconv.FormatUint(v, 10) }
	i := func(v int64) string { return strconv.FormatInt(v, 10) }
	t.AppendBulk([][]string{
		{"connections open", i(snap.CurrentConns)},
		{"connections accepted", u(snap.Service.Accepted)},
		{"messages handled", u(snap.Service.Handled)},
		{"handler errors", u(snap.Service.HandlerErrors)},
		{"handler timeouts", u(snap.Service.Timeouts)},
		{"handler panics", u(snap.Service.Panics)},
		{"periodic runs", u(snap.Periodic.Runs)},
		{"periodic failures", u(snap.Periodic.Failures)},
		{"outbound requests", u(snap.Outbound.Requests)},
		{"outbound failures", u(snap.Outbound.Failures)},
		{"files", i(snap.Directory.Files)},
		{"providers", i(snap.Directory.Providers)},
		{"records", i(snap.Directory.Records)},
	})
	t.Render()

	if len(snap.RecvByAction) > 0 || len(snap.DropByReason) > 0 {
		ct := tablewriter.NewWriter(w)
		ct.SetHeader([]string{"counter", "key", "count"})
		ct.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, k := range sortedKeys(snap.RecvByAction) {
			ct.Append([]string{"received", k, u(snap.RecvByAction[k])})
		}
		for _, k := range sortedKeys(snap.DropByReason) {
			ct.Append([]string{"dropped", k, u(snap.DropByReason[k])})
		}
		ct.Render()
	}
}

func sortedKeys(m map[string]uint64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
