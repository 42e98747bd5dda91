package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/use-agent/postpulse/models"
)

// printSummary renders the end-of-run table, followed by failures grouped
// by reason when there are any.
func printSummary(w io.Writer, s models.RunSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Run summary")
	t.AppendRows([]table.Row{
		{"Run", s.RunID},
		{"State", s.State},
		{"Links", s.Total},
		{"Succeeded", s.Succeeded},
		{"Failed", s.Failed},
		{"Duplicates", s.Deduped},
		{"Success rate", fmt.Sprintf("%.1f%%", s.SuccessRate())},
		{"Duration", s.Duration().Round(time.Second)},
		{"Output", s.OutputPath},
		{"Failures", s.FailedPath},
	})
	t.SetStyle(table.StyleRounded)
	t.Render()

	if len(s.Reasons) == 0 {
		return
	}
	reasons := make([]string, 0, len(s.Reasons))
	for r := range s.Reasons {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		a, b := reasons[i], reasons[j]
		if s.Reasons[a] != s.Reasons[b] {
			return s.Reasons[a] > s.Reasons[b]
		}
		return a < b
	})

	rt := table.NewWriter()
	rt.SetOutputMirror(w)
	rt.AppendHeader(table.Row{"Reason", "Posts"})
	for _, r := range reasons {
		rt.AppendRow(table.Row{r, s.Reasons[r]})
	}
	rt.SetStyle(table.StyleRounded)
	rt.Render()
}
