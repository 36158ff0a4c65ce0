package analysis

import (
	"strings"

	llmtools "github.com/flitsinc/go-llms/tools"

	"github.com/flitsinc/watchtower/internal/events"
)

type StatisticsParams struct {
	StatType string `json:"stat_type,omitempty" description:"One of count_by_severity, count_by_category or count_by_region. Empty returns every breakdown."`
}

type CriticalAlertsParams struct {
	MinSeverity string `json:"min_severity,omitempty" description:"Lowest severity to include: low, medium, high or critical. Defaults to critical."`
	Limit       int    `json:"limit,omitempty" description:"Maximum number of alerts to return"`
}

type LocationParams struct {
	Location string `json:"location" description:"Place name to search event locations for"`
}

// Tools returns the event tools offered to the chat model.
func Tools(docs DocumentFunc) []llmtools.Tool {
	return []llmtools.Tool{
		StatisticsTool(docs),
		CriticalAlertsTool(docs),
		LocationTool(docs),
	}
}

func StatisticsTool(docs DocumentFunc) llmtools.Tool {
	return llmtools.Func(
		"Event statistics",
		"Get a statistical breakdown of the stored security events",
		"get_event_statistics",
		func(r llmtools.Runner, p StatisticsParams) llmtools.Result {
			doc, err := docs(r.Context())
			if err != nil {
				return llmtools.Error(err)
			}
			stats := Summarize(doc)
			switch strings.TrimSpace(p.StatType) {
			case "count_by_severity":
				return llmtools.Success(stats.BySeverity)
			case "count_by_category":
				return llmtools.Success(stats.ByCategory)
			case "count_by_region":
				return llmtools.Success(stats.ByRegion)
			default:
				return llmtools.Success(stats)
			}
		},
	)
}

func CriticalAlertsTool(docs DocumentFunc) llmtools.Tool {
	return llmtools.Func(
		"Critical alerts",
		"List the most severe stored security events",
		"get_critical_alerts",
		func(r llmtools.Runner, p CriticalAlertsParams) llmtools.Result {
			min := events.SeverityCritical
			if strings.TrimSpace(p.MinSeverity) != "" {
				parsed, ok := ParseSeverityStrict(p.MinSeverity)
				if !ok {
					return llmtools.Errorf("unknown severity %q", p.MinSeverity)
				}
				min = parsed
			}
			doc, err := docs(r.Context())
			if err != nil {
				return llmtools.Error(err)
			}
			return llmtools.Success(Critical(doc, min, p.Limit))
		},
	)
}

func LocationTool(docs DocumentFunc) llmtools.Tool {
	return llmtools.Func(
		"Events by location",
		"Search stored security events for a specific location",
		"search_events_by_location",
		func(r llmtools.Runner, p LocationParams) llmtools.Result {
			if strings.TrimSpace(p.Location) == "" {
				return llmtools.Errorf("location is required")
			}
			doc, err := docs(r.Context())
			if err != nil {
				return llmtools.Error(err)
			}
			return llmtools.Success(ByLocation(doc, p.Location))
		},
	)
}

// ParseSeverityStrict is events.ParseSeverity without the medium default.
func ParseSeverityStrict(raw string) (events.Severity, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	parsed := events.ParseSeverity(normalized)
	if string(parsed) != normalized {
		return "", false
	}
	return parsed, true
}
