package orchestrator

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/planforge/orchestrator/internal/metrics"
	"github.com/planforge/orchestrator/internal/plan"
)

// minConflictContent is the shortest findings text worth analyzing.
// Anything shorter cannot contain two claims about the same fact.
const minConflictContent = 50

// detectConflicts scans formatted research findings for contradictions.
// It never fails the turn: when the detector is unavailable or returns
// garbage, the report degrades to "no conflicts" with an explanatory
// recommendation.
func (o *Orchestrator) detectConflicts(ctx context.Context, company, findings string) plan.ConflictReport {
	if len(strings.TrimSpace(findings)) < minConflictContent {
		metrics.ConflictChecks.WithLabelValues("skipped").Inc()
		return plan.ConflictReport{
			Conflicts:      []plan.Conflict{},
			Recommendation: "Not enough research data to check for conflicts",
		}
	}

	raw, err := o.gen.GenerateStructured(ctx, conflictDetectorPrompt(company, findings), "", 0.2, 0)
	if err != nil {
		o.logger.Warn("Conflict detection unavailable, continuing without it",
			zap.String("company", company),
			zap.Error(err))
		metrics.ConflictChecks.WithLabelValues("unavailable").Inc()
		return plan.ConflictReport{
			Conflicts:      []plan.Conflict{},
			Recommendation: "Conflict analysis was unavailable for this research pass",
		}
	}

	var report plan.ConflictReport
	if err := json.Unmarshal(raw, &report); err != nil {
		o.logger.Warn("Conflict detector returned an unexpected shape",
			zap.String("company", company),
			zap.Error(err))
		metrics.ConflictChecks.WithLabelValues("unavailable").Inc()
		return plan.ConflictReport{
			Conflicts:      []plan.Conflict{},
			Recommendation: "Conflict analysis was unavailable for this research pass",
		}
	}
	if report.Conflicts == nil {
		report.Conflicts = []plan.Conflict{}
	}
	if len(report.Conflicts) == 0 {
		report.Found = false
	}

	if report.Found {
		metrics.ConflictChecks.WithLabelValues("found").Inc()
	} else {
		metrics.ConflictChecks.WithLabelValues("none").Inc()
	}
	return report
}
