package review

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"permitdesk/api/internal/store"
	"permitdesk/api/internal/util"
)

// ConfigReader loads the per-municipality review configuration the
// assigner intersects. *store.PostgresStore satisfies it.
type ConfigReader interface {
	GetProcedure(ctx context.Context, procedureID string) (store.Procedure, error)
	ListFlows(ctx context.Context, municipalityID, procedureType string) ([]store.ProcedureDepartmentFlow, error)
	ListRequirementAssignments(ctx context.Context, municipalityID, procedureType string) ([]store.RequirementDepartmentAssignment, error)
	LeadRole(ctx context.Context, departmentID string) (int, error)
}

// Assigner turns a submitted procedure into its set of department
// reviews and workflow rows. Missing configuration is a warning, not a
// failure: an unconfigured municipality keeps the legacy single-queue
// behavior and the submission goes through without gating.
type Assigner struct {
	reader ConfigReader
	runner TxRunner
	log    zerolog.Logger
}

func NewAssigner(reader ConfigReader, runner TxRunner, log zerolog.Logger) *Assigner {
	return &Assigner{reader: reader, runner: runner, log: log}
}

// assignment is one department's computed participation.
type assignment struct {
	DepartmentID string
	Role         int
	Blockers     []string
}

// Assign computes the department set for the procedure and writes one
// review and one workflow row per department. Re-running for the same
// procedure is a no-op for departments that already hold an active
// review.
func (a *Assigner) Assign(ctx context.Context, procedureID string) ([]store.DependencyReview, error) {
	proc, err := a.reader.GetProcedure(ctx, procedureID)
	if err != nil {
		return nil, fmt.Errorf("load procedure: %w", err)
	}

	flows, err := a.reader.ListFlows(ctx, proc.MunicipalityID, proc.ProcedureType)
	if err != nil {
		return nil, fmt.Errorf("load flows: %w", err)
	}
	reqs, err := a.reader.ListRequirementAssignments(ctx, proc.MunicipalityID, proc.ProcedureType)
	if err != nil {
		return nil, fmt.Errorf("load requirement assignments: %w", err)
	}
	required := make([]store.RequirementDepartmentAssignment, 0, len(reqs))
	for _, r := range reqs {
		if r.IsRequiredForApproval {
			required = append(required, r)
		}
	}

	plan := a.plan(proc, flows, required)
	if len(plan) == 0 {
		a.log.Warn().
			Str("procedure_id", proc.ID).
			Str("municipality_id", proc.MunicipalityID).
			Str("procedure_type", proc.ProcedureType).
			Msg("no department configuration, submission proceeds ungated")
		return nil, nil
	}

	for i := range plan {
		role, err := a.reader.LeadRole(ctx, plan[i].DepartmentID)
		if err != nil {
			return nil, fmt.Errorf("lead role for %s: %w", plan[i].DepartmentID, err)
		}
		if role == 0 {
			a.log.Warn().
				Str("department_id", plan[i].DepartmentID).
				Msg("department has no reviewer role, skipped")
		}
		plan[i].Role = role
	}

	created := make([]store.DependencyReview, 0, len(plan))
	err = a.runner.InTransaction(ctx, func(tx Tx) error {
		if _, err := tx.LockProcedure(ctx, proc.ID); err != nil {
			return fmt.Errorf("lock procedure: %w", err)
		}
		existing, err := tx.ListActiveReviews(ctx, proc.ID)
		if err != nil {
			return err
		}
		held := make(map[string]bool, len(existing))
		for _, r := range existing {
			if r.DepartmentID != nil {
				held[*r.DepartmentID] = true
			}
		}
		now := time.Now()
		for _, item := range plan {
			if item.Role == 0 || held[item.DepartmentID] {
				continue
			}
			deptID := item.DepartmentID
			rev := store.DependencyReview{
				ID:              util.NewID("rev"),
				ProcedureID:     proc.ID,
				MunicipalityID:  proc.MunicipalityID,
				Folio:           proc.Folio,
				Role:            item.Role,
				DepartmentID:    &deptID,
				SentToReviewers: &now,
				StartDate:       now,
			}
			if err := tx.InsertReview(ctx, rev); err != nil {
				return err
			}
			wf := store.ReviewWorkflow{
				ID:                    util.NewID("wfl"),
				ProcedureID:           proc.ID,
				DepartmentID:          deptID,
				Status:                store.WorkflowPending,
				CanStartReview:        len(item.Blockers) == 0,
				BlockingDepartmentIDs: item.Blockers,
			}
			// dependency_completion_percentage starts at 0 even for
			// unblocked rows; it only measures blocker progress.
			if wf.CanStartReview {
				wf.ReadyAt = &now
			}
			if err := tx.InsertWorkflow(ctx, wf); err != nil {
				return err
			}
			created = append(created, rev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.log.Info().
		Str("folio", proc.Folio).
		Int("departments", len(created)).
		Msg("department reviews assigned")
	return created, nil
}

// plan intersects the ordered flow with the required-requirement
// assignments and derives the blocking edges for each department.
func (a *Assigner) plan(proc store.Procedure, flows []store.ProcedureDepartmentFlow, required []store.RequirementDepartmentAssignment) []assignment {
	if len(flows) == 0 && len(required) == 0 {
		return nil
	}
	if len(flows) == 0 {
		return a.planFromRequirements(required)
	}
	return a.planFromFlow(proc, flows, required)
}

func (a *Assigner) planFromFlow(proc store.Procedure, flows []store.ProcedureDepartmentFlow, required []store.RequirementDepartmentAssignment) []assignment {
	reqDepts := make(map[string]bool, len(required))
	for _, r := range required {
		reqDepts[r.DepartmentID] = true
	}

	sort.SliceStable(flows, func(i, j int) bool { return flows[i].StepOrder < flows[j].StepOrder })
	selected := make([]store.ProcedureDepartmentFlow, 0, len(flows))
	for _, f := range flows {
		// With requirement assignments configured, a flow department
		// without any required requirement sits this procedure out.
		if len(required) > 0 && !reqDepts[f.DepartmentID] {
			a.log.Debug().
				Str("department_id", f.DepartmentID).
				Str("folio", proc.Folio).
				Msg("flow department has no required requirement, skipped")
			continue
		}
		selected = append(selected, f)
	}
	if len(selected) == 0 {
		return nil
	}

	inPlan := make(map[string]bool, len(selected))
	for _, f := range selected {
		inPlan[f.DepartmentID] = true
	}

	// Waves: a parallel-with-previous row joins the previous row's
	// wave, everything in an earlier wave blocks it.
	waves := make([]int, len(selected))
	wave := 0
	for i, f := range selected {
		if i > 0 && !f.IsParallelWithPrevious {
			wave++
		}
		waves[i] = wave
	}

	depends := dependsEdges(required, inPlan)
	out := make([]assignment, 0, len(selected))
	for i, f := range selected {
		blockers := make([]string, 0)
		seen := make(map[string]bool)
		for j, g := range selected {
			if waves[j] < waves[i] && !seen[g.DepartmentID] {
				blockers = append(blockers, g.DepartmentID)
				seen[g.DepartmentID] = true
			}
		}
		for _, dep := range depends[f.DepartmentID] {
			if !seen[dep] {
				blockers = append(blockers, dep)
				seen[dep] = true
			}
		}
		out = append(out, assignment{DepartmentID: f.DepartmentID, Blockers: blockers})
	}
	return out
}

// planFromRequirements covers municipalities that configured requirement
// assignments but no explicit flow: review priority orders the
// departments and the parallel flag collapses equal-priority waves.
func (a *Assigner) planFromRequirements(required []store.RequirementDepartmentAssignment) []assignment {
	type deptInfo struct {
		priority int
		parallel bool
	}
	depts := make(map[string]*deptInfo)
	order := make([]string, 0)
	for _, r := range required {
		info, ok := depts[r.DepartmentID]
		if !ok {
			info = &deptInfo{priority: r.ReviewPriority, parallel: true}
			depts[r.DepartmentID] = info
			order = append(order, r.DepartmentID)
		}
		if r.ReviewPriority < info.priority {
			info.priority = r.ReviewPriority
		}
		if !r.CanBeReviewedInParallel {
			info.parallel = false
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return depts[order[i]].priority < depts[order[j]].priority })

	inPlan := make(map[string]bool, len(order))
	for _, d := range order {
		inPlan[d] = true
	}
	depends := dependsEdges(required, inPlan)

	out := make([]assignment, 0, len(order))
	for _, dept := range order {
		info := depts[dept]
		blockers := make([]string, 0)
		seen := make(map[string]bool)
		if !info.parallel {
			for _, other := range order {
				if depts[other].priority < info.priority && !seen[other] {
					blockers = append(blockers, other)
					seen[other] = true
				}
			}
		}
		for _, dep := range depends[dept] {
			if !seen[dep] {
				blockers = append(blockers, dep)
				seen[dep] = true
			}
		}
		out = append(out, assignment{DepartmentID: dept, Blockers: blockers})
	}
	return out
}

// dependsEdges collects explicit depends_on edges, keeping only edges
// whose target is part of the plan.
func dependsEdges(required []store.RequirementDepartmentAssignment, inPlan map[string]bool) map[string][]string {
	edges := make(map[string][]string)
	for _, r := range required {
		if r.DependsOnDepartmentID == nil {
			continue
		}
		target := *r.DependsOnDepartmentID
		if target == r.DepartmentID || !inPlan[target] {
			continue
		}
		dup := false
		for _, existing := range edges[r.DepartmentID] {
			if existing == target {
				dup = true
				break
			}
		}
		if !dup {
			edges[r.DepartmentID] = append(edges[r.DepartmentID], target)
		}
	}
	return edges
}
