package dlq

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// TrendReport summarizes DLQ activity over a trailing window, per
// : counts by kind/project/day, top-10 kinds, top-5 failing
// projects, and threshold-triggered recommendation strings.
type TrendReport struct {
	WindowDays      int
	TotalFailures   int
	ByKind          map[string]int
	ByProject       map[string]int
	ByDay           map[string]int
	TopKinds        []KindCount
	TopProjects     []ProjectCount
	Recommendations []string
}

// KindCount is one entry of TrendReport.TopKinds.
type KindCount struct {
	Kind  string
	Count int
}

// ProjectCount is one entry of TrendReport.TopProjects.
type ProjectCount struct {
	ProjectID string
	Count     int
}

// TrendReport queries the trailing `days` of entries (default 7 when
// days <= 0) and aggregates them in Go after a single bulk fetch — the
// bucketing and threshold rules below are easier to express and test as
// plain code than as one large SQL aggregate.
func (s *Store) TrendReport(ctx context.Context, days int) (*TrendReport, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.pool.Query(ctx, `
		SELECT error_kind, project_id, failed_at FROM dlq_entries WHERE failed_at >= $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("dlq: trend query: %w", err)
	}
	defer rows.Close()

	report := &TrendReport{
		WindowDays: days,
		ByKind:     map[string]int{},
		ByProject:  map[string]int{},
		ByDay:      map[string]int{},
	}
	for rows.Next() {
		var kind, project string
		var failedAt time.Time
		if err := rows.Scan(&kind, &project, &failedAt); err != nil {
			return nil, fmt.Errorf("dlq: trend scan: %w", err)
		}
		report.TotalFailures++
		report.ByKind[kind]++
		report.ByProject[project]++
		report.ByDay[failedAt.Format("2006-01-02")]++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.TopKinds = topKindCounts(report.ByKind, 10)
	report.TopProjects = topProjectCounts(report.ByProject, 5)
	report.Recommendations = recommendationsFor(report)
	return report, nil
}

func topKindCounts(byKind map[string]int, n int) []KindCount {
	out := make([]KindCount, 0, len(byKind))
	for k, c := range byKind {
		out = append(out, KindCount{Kind: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Kind < out[j].Kind
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topProjectCounts(byProject map[string]int, n int) []ProjectCount {
	out := make([]ProjectCount, 0, len(byProject))
	for p, c := range byProject {
		out = append(out, ProjectCount{ProjectID: p, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ProjectID < out[j].ProjectID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// recommendationsFor implements the threshold rules: a kind occurring
// more than 5 times, a project failing more than 3 times, and a
// day-over-mean spike above 2x.
func recommendationsFor(r *TrendReport) []string {
	var out []string
	for _, kc := range r.TopKinds {
		if kc.Count > 5 {
			out = append(out, fmt.Sprintf("error kind %q occurred %d times in the last %d days — investigate root cause", kc.Kind, kc.Count, r.WindowDays))
		}
	}
	for _, pc := range r.TopProjects {
		if pc.Count > 3 {
			out = append(out, fmt.Sprintf("project %q had %d failures in the last %d days — review its ingest sources", pc.ProjectID, pc.Count, r.WindowDays))
		}
	}
	if spike, mean, max := detectSpike(r.ByDay); spike {
		out = append(out, fmt.Sprintf("failure spike detected: a day's failures (%d) exceeded 2x the %d-day mean (%.1f)", max, r.WindowDays, mean))
	}
	return out
}

func detectSpike(byDay map[string]int) (spike bool, mean float64, max int) {
	if len(byDay) == 0 {
		return false, 0, 0
	}
	total := 0
	for _, c := range byDay {
		total += c
		if c > max {
			max = c
		}
	}
	mean = float64(total) / float64(len(byDay))
	return mean > 0 && float64(max) > 2*mean, mean, max
}
