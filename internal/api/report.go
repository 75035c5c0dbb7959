package api

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/runefall/foreman/internal/workorder"
)

var reportMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// renderReport assembles the completion report as Markdown and renders
// it to HTML. The report reads only from the store, so it works for
// in-flight orders too.
func (s *Server) renderReport(w *workorder.WorkOrder) ([]byte, error) {
	md, err := s.reportMarkdown(w)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := reportMarkdown.Convert([]byte(md), &buf); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Server) reportMarkdown(w *workorder.WorkOrder) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "# Work Order %s\n\n", w.ID)
	fmt.Fprintf(&b, "**Objective:** %s\n\n", w.Objective)
	fmt.Fprintf(&b, "**Status:** %s  \n", w.Status)
	fmt.Fprintf(&b, "**Executor:** %s  \n", w.Executor)
	if tier := w.Meta(workorder.MetaModelTier); tier != "" {
		fmt.Fprintf(&b, "**Model tier:** %s  \n", tier)
	}
	fmt.Fprintf(&b, "**Created:** %s\n\n", w.CreatedAt.Format("2006-01-02 15:04:05 MST"))

	if len(w.Criteria) > 0 {
		b.WriteString("## Acceptance criteria\n\n")
		for _, c := range w.Criteria {
			mark := " "
			if c.Met {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, c.Text)
		}
		b.WriteString("\n")
	}

	if w.Summary != "" {
		b.WriteString("## Outcome\n\n")
		b.WriteString(w.Summary)
		b.WriteString("\n\n")
	}

	ok, failed, err := s.store.MutationCounts(w.ID)
	if err != nil {
		return "", fmt.Errorf("mutation counts: %w", err)
	}
	fmt.Fprintf(&b, "## Mutations\n\n%d succeeded, %d failed\n\n", ok, failed)

	if done, err := s.store.SucceededOps(w.ID, 20); err == nil && len(done) > 0 {
		b.WriteString("### Completed operations\n\n")
		for _, op := range done {
			fmt.Fprintf(&b, "- %s\n", op)
		}
		b.WriteString("\n")
	}

	if deadEnds, err := s.store.FailedOps(w.ID); err == nil && len(deadEnds) > 0 {
		b.WriteString("### Dead ends\n\n")
		b.WriteString("| Tool | Target | Error class |\n|---|---|---|\n")
		for _, op := range deadEnds {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", op.Tool, op.Target, op.ErrorClass)
		}
		b.WriteString("\n")
	}

	if count, err := s.store.CountLog(w.ID, workorder.LogTagCheckpoint); err == nil && count > 0 {
		fmt.Fprintf(&b, "## Checkpoints\n\nSuspended and resumed %d time(s).\n", count)
	}

	return b.String(), nil
}
