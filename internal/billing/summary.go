package billing

import (
	"sort"

	"github.com/haasonsaas/amon/internal/eventlog"
	"github.com/haasonsaas/amon/internal/events"
)

// DaySummary aggregates one day of spend.
type DaySummary struct {
	Date         string  `json:"date"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	RunCount     int     `json:"run_count"`
}

// Summary is the billing endpoint payload.
type Summary struct {
	ProjectID string       `json:"project_id,omitempty"`
	Days      []DaySummary `json:"days"`
	TotalUSD  float64      `json:"total_usd"`
}

// Summarize aggregates a billing log by day, oldest first. Pass the project
// billing path for a per-project view or the global path for the whole
// installation.
func Summarize(logPath, projectID string) (*Summary, error) {
	recorded, err := eventlog.ReadSince(logPath, 0, 0)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]*DaySummary)
	runsByDay := make(map[string]map[string]struct{})
	total := 0.0
	for _, ev := range recorded {
		if ev.Type != events.TypeBillingUsage {
			continue
		}
		if projectID != "" && ev.ProjectID != projectID {
			continue
		}
		day := ev.TS.UTC().Format("2006-01-02")
		summary, ok := byDay[day]
		if !ok {
			summary = &DaySummary{Date: day}
			byDay[day] = summary
			runsByDay[day] = make(map[string]struct{})
		}
		cost, _ := ev.Payload["cost_usd"].(float64)
		summary.CostUSD += cost
		summary.InputTokens += asInt64(ev.Payload["input_tokens"])
		summary.OutputTokens += asInt64(ev.Payload["output_tokens"])
		total += cost
		if ev.RunID != "" {
			runsByDay[day][ev.RunID] = struct{}{}
		}
	}

	days := make([]DaySummary, 0, len(byDay))
	for day, summary := range byDay {
		summary.RunCount = len(runsByDay[day])
		days = append(days, *summary)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })

	return &Summary{ProjectID: projectID, Days: days, TotalUSD: total}, nil
}
