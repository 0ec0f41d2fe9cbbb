package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/pders01/storyline/internal/api"
	"github.com/pders01/storyline/internal/favorites"
	"github.com/pders01/storyline/internal/outbox"
	"github.com/pders01/storyline/internal/shell"
	"github.com/pders01/storyline/internal/storage"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7F8C8D"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#95E1D3"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA86B"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

func sourceLabel(src api.Source) string {
	switch src {
	case api.SourceNetwork:
		return okStyle.Render(src.String())
	default:
		return warnStyle.Render(src.String())
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func printStory(w io.Writer, s *storage.Story) {
	fmt.Fprintf(w, "%s  %s\n", titleStyle.Render(s.Name), dimStyle.Render(s.ID))
	fmt.Fprintf(w, "  %s\n", s.Description)
	meta := []string{formatTime(s.CreatedAt)}
	if s.Lat != nil && s.Lon != nil {
		meta = append(meta, fmt.Sprintf("%.5f, %.5f", *s.Lat, *s.Lon))
	}
	if s.PhotoURL != nil {
		meta = append(meta, *s.PhotoURL)
	}
	fmt.Fprintf(w, "  %s\n", dimStyle.Render(strings.Join(meta, " · ")))
}

func printStories(w io.Writer, list *api.StoryList) {
	if len(list.Stories) == 0 {
		fmt.Fprintln(w, "No stories.")
		return
	}
	for _, s := range list.Stories {
		printStory(w, s)
	}
	fmt.Fprintf(w, "\n%d stories from %s\n", len(list.Stories), sourceLabel(list.Source))
}

func printFavorites(w io.Writer, items []favorites.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No saved stories.")
		return
	}
	for _, it := range items {
		label := okStyle.Render(string(it.Source))
		if it.Source == favorites.SourceLocal {
			label = warnStyle.Render("not yet posted")
		}
		fmt.Fprintf(w, "%s  %s  %s\n", titleStyle.Render(it.Name), dimStyle.Render(it.ID), label)
		fmt.Fprintf(w, "  %s\n", it.Description)
	}
}

func printOutbox(w io.Writer, entries []*storage.OutboxEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Outbox is empty.")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %s\n", titleStyle.Render(fmt.Sprintf("#%d", e.ID)), dimStyle.Render(formatTime(e.CreatedAt)))
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, e.Fields[k])
		}
		for field, a := range e.Attachments {
			fmt.Fprintf(w, "  %s: %s (%s, %d bytes)\n", field, a.Name, a.Type, a.Size)
		}
		if e.AttachmentDropped {
			fmt.Fprintf(w, "  %s\n", warnStyle.Render("attachment bytes were not kept"))
		}
	}
	fmt.Fprintf(w, "\n%d queued\n", len(entries))
}

func printSyncResult(w io.Writer, res outbox.Result) {
	fmt.Fprintf(w, "%s  %s  %s\n",
		okStyle.Render(fmt.Sprintf("%d synced", res.Synced)),
		errStyle.Render(fmt.Sprintf("%d failed", res.Failed)),
		dimStyle.Render(fmt.Sprintf("%d remaining", res.Remaining)))
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  #%d: %v\n", f.EntryID, f.Err)
	}
}

func printShellReport(w io.Writer, report shell.Report) {
	for _, p := range report.Cached {
		fmt.Fprintf(w, "%s %s\n", okStyle.Render("cached"), p)
	}
	failed := make([]string, 0, len(report.Failed))
	for p := range report.Failed {
		failed = append(failed, p)
	}
	sort.Strings(failed)
	for _, p := range failed {
		fmt.Fprintf(w, "%s %s: %v\n", errStyle.Render("failed"), p, report.Failed[p])
	}
}
