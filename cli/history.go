package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/use-agent/postpulse/config"
	"github.com/use-agent/postpulse/history"
	"github.com/use-agent/postpulse/scraper"
)

type historyOptions struct {
	db     string
	limit  int
	format string
}

func newHistoryCmd(g *globalOptions) *cobra.Command {
	o := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history <post-url>",
		Short: "Show how a post's metrics changed across runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			g.apply(cmd, cfg)
			if flagChanged(cmd, "db") {
				cfg.Files.History = o.db
			}
			initLogger(cfg.Log, cmd.ErrOrStderr())
			return historyAction(cmd, cfg.Files.History, args[0], o)
		},
	}
	cmd.Flags().StringVar(&o.db, "db", "", "history database (env POSTPULSE_HISTORY)")
	cmd.Flags().IntVarP(&o.limit, "limit", "n", 20, "most recent snapshots to show, 0 for all")
	cmd.Flags().StringVar(&o.format, "format", "table", "output format: table, json")
	return cmd
}

func historyAction(cmd *cobra.Command, path, link string, o *historyOptions) error {
	if path == "" {
		return errors.New("no history database: set --db or POSTPULSE_HISTORY")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	post, err := scraper.NormalizeURL(link)
	if err != nil {
		return fmt.Errorf("invalid post url %q: %w", link, err)
	}

	st, err := history.Open(path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer func() { _ = st.Close() }()

	snaps, err := st.PostHistory(cmd.Context(), post.URL, o.limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch o.format {
	case "json":
		return printHistoryJSON(out, post.URL, snaps)
	case "table", "":
		if len(snaps) == 0 {
			fmt.Fprintf(out, "No snapshots for %s. Run 'postpulse run --history %s' first.\n", post.URL, path)
			return nil
		}
		printHistory(out, post.URL, snaps)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want table or json)", o.format)
	}
}

// printHistory renders one row per snapshot with the impression change
// since the previous successful snapshot.
func printHistory(w io.Writer, key string, snaps []history.Snapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(key)
	t.AppendHeader(table.Row{"Captured", "Impressions", "Δ", "Likes", "Comments", "Replies", "Status"})

	var prev *history.Snapshot
	for i := range snaps {
		s := snaps[i]
		captured := s.CapturedAt.Local().Format(time.DateTime)
		if !s.OK() {
			t.AppendRow(table.Row{captured, "", "", "", "", "", s.Reason})
			continue
		}
		delta := ""
		if prev != nil {
			delta = fmt.Sprintf("%+d", s.Impressions-prev.Impressions)
		}
		t.AppendRow(table.Row{captured, s.Impressions, delta, s.Likes, s.Comments, s.Replies, "ok"})
		prev = &snaps[i]
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

type historyJSON struct {
	Post      string         `json:"post"`
	Snapshots []snapshotJSON `json:"snapshots"`
}

type snapshotJSON struct {
	RunID       string     `json:"run_id"`
	CapturedAt  time.Time  `json:"captured_at"`
	Impressions *int64     `json:"impressions,omitempty"`
	Likes       *int64     `json:"likes,omitempty"`
	Comments    *int64     `json:"comments,omitempty"`
	Replies     *int64     `json:"replies,omitempty"`
	PostedAt    *time.Time `json:"posted_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

func printHistoryJSON(w io.Writer, key string, snaps []history.Snapshot) error {
	out := historyJSON{Post: key, Snapshots: make([]snapshotJSON, 0, len(snaps))}
	for _, s := range snaps {
		sj := snapshotJSON{RunID: s.RunID, CapturedAt: s.CapturedAt, Reason: s.Reason}
		if s.OK() {
			sj.Impressions, sj.Likes, sj.Comments, sj.Replies = &s.Impressions, &s.Likes, &s.Comments, &s.Replies
			sj.PostedAt = &s.PostedAt
		}
		out.Snapshots = append(out.Snapshots, sj)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
