// Package ui renders allocation results and decision timelines to the
// terminal. Column widths are computed with runewidth so tables stay aligned
// when driver names are not ASCII.
package ui

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/fairdispatch/internal/types"
)

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
)

var agentEmoji = map[types.Agent]string{
	types.AgentEffort:    "🧮",
	types.AgentPlanner:   "📐",
	types.AgentFairness:  "⚖️ ",
	types.AgentLiaison:   "🤝",
	types.AgentResolver:  "🔁",
	types.AgentExplainer: "💬",
	types.AgentRecovery:  "🛌",
	types.AgentLearning:  "🎰",
	types.AgentControl:   "🗂️ ",
}

// PrintAllocation renders the assignment table plus the global fairness
// triple.
func PrintAllocation(resp types.AllocationResponse) {
	fmt.Printf("%sRun %s (%s)%s\n", ansiBold, resp.RunID, resp.Date, ansiReset)

	headers := []string{"DRIVER", "ROUTE", "EFFORT", "FAIRNESS", "SUMMARY"}
	rows := make([][]string, len(resp.Assignments))
	for i, a := range resp.Assignments {
		name := a.DriverName
		if name == "" {
			name = a.DriverID
		}
		rows[i] = []string{
			name,
			a.RouteID,
			fmt.Sprintf("%.2f", a.WorkloadScore),
			fmt.Sprintf("%.2f", a.FairnessScore),
			clip(a.RouteSummary, 48),
		}
	}
	printTable(headers, rows)

	m := resp.GlobalFairness
	fmt.Printf("%sglobal fairness: avg %.2f  std %.2f  gini %.4f%s\n",
		ansiDim, m.AvgWorkload, m.StdDev, m.GiniIndex, ansiReset)
}

// PrintTimeline renders the decision timeline for one run, one line per step
// in log order.
func PrintTimeline(tl types.Timeline) {
	status := string(tl.Run.Status)
	color := ansiGreen
	if tl.Run.Status == types.RunFailed {
		color = ansiRed
	} else if tl.Run.Status == types.RunPending {
		color = ansiYellow
	}
	fmt.Printf("%sRun %s (%s) %s%s%s\n", ansiBold, tl.Run.ID, tl.Run.Date, color, status, ansiReset)

	for _, e := range tl.Entries {
		emoji, ok := agentEmoji[e.Agent]
		if !ok {
			emoji = "•"
		}
		fmt.Printf("  %s %s%-18s%s %s──[%s%s%s]──%s %s\n",
			emoji,
			ansiCyan, e.Agent, ansiReset,
			ansiDim, ansiReset, e.Step, ansiDim, ansiReset,
			e.ShortMessage)
	}
	fmt.Printf("%s%d steps%s\n", ansiDim, len(tl.Entries), ansiReset)
}

// printTable pads every cell to its column's display width.
func printTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(pad(h, widths[i]))
		b.WriteString("  ")
	}
	fmt.Printf("%s%s%s\n", ansiBold, strings.TrimRight(b.String(), " "), ansiReset)

	for _, row := range rows {
		b.Reset()
		for i, cell := range row {
			b.WriteString(pad(cell, widths[i]))
			b.WriteString("  ")
		}
		fmt.Println(strings.TrimRight(b.String(), " "))
	}
}

// pad right-pads s with spaces to display width w.
func pad(s string, w int) string {
	gap := w - runewidth.StringWidth(s)
	if gap <= 0 {
		return s
	}
	return s + strings.Repeat(" ", gap)
}

// clip truncates s to at most n characters, appending "…" if trimmed.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
