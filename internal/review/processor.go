package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"permitdesk/api/internal/store"
	"permitdesk/api/internal/util"
)

// Config carries the tunable review parameters. Zero values are
// replaced with the statutory defaults by Normalize.
type Config struct {
	// DirectorRole is the reserved legacy role for the escalation
	// review. Must never collide with a department role.
	DirectorRole int
	// SpecializedRoleThreshold gates the per-department approval email:
	// only roles strictly above it notify the applicant.
	SpecializedRoleThreshold int
	// DefaultComplianceDays is the prevention deadline span used when a
	// municipality does not configure its own.
	DefaultComplianceDays int
}

func (c Config) Normalize() Config {
	if c.DirectorRole == 0 {
		c.DirectorRole = 99
	}
	if c.SpecializedRoleThreshold == 0 {
		c.SpecializedRoleThreshold = 5
	}
	if c.DefaultComplianceDays == 0 {
		c.DefaultComplianceDays = 15
	}
	return c
}

// Tx is the single-transaction surface the state machine writes
// through. *store.ReviewTx satisfies it.
type Tx interface {
	LockProcedureByFolio(ctx context.Context, folio string) (store.Procedure, error)
	LockProcedure(ctx context.Context, procedureID string) (store.Procedure, error)
	GetMunicipality(ctx context.Context, municipalityID string) (store.Municipality, error)
	ActiveReviewByRole(ctx context.Context, folio string, role int) (store.DependencyReview, error)
	ActiveReviewByDepartment(ctx context.Context, folio, departmentID string) (store.DependencyReview, error)
	ListActiveReviews(ctx context.Context, procedureID string) ([]store.DependencyReview, error)
	InsertReview(ctx context.Context, item store.DependencyReview) error
	InsertDirectorReview(ctx context.Context, reviewID, procedureID, municipalityID, folio string, directorRole int) (bool, error)
	UpdateReviewDecision(ctx context.Context, reviewID string, status int, file, userID string) error
	SetReviewDirectorApproved(ctx context.Context, reviewID string) error
	SetReviewLicenseIssued(ctx context.Context, reviewID string) error
	InsertResolution(ctx context.Context, item store.DependencyResolution) error
	InsertPreventionRequest(ctx context.Context, item store.PreventionRequest) error
	InsertDirectorApproval(ctx context.Context, item store.DirectorApproval) error
	UpdateProcedureStatus(ctx context.Context, procedureID, status string) error
	SetProcedureDirectorApproved(ctx context.Context, procedureID string) error
	QueueNotification(ctx context.Context, item store.Notification) error
	InsertWorkflow(ctx context.Context, item store.ReviewWorkflow) error
	ListWorkflows(ctx context.Context, procedureID string) ([]store.ReviewWorkflow, error)
	SetWorkflowReady(ctx context.Context, workflowID string, completionPct int) error
	SetWorkflowDecision(ctx context.Context, procedureID, departmentID, status string) error
	SetWorkflowCompletionPercentage(ctx context.Context, workflowID string, pct int) error
	ReopenReview(ctx context.Context, reviewID string) error
	ReopenWorkflow(ctx context.Context, procedureID, departmentID string) error
	MarkPreventionAnswered(ctx context.Context, procedureID string, role int) error
}

// TxRunner runs fn inside one database transaction.
type TxRunner interface {
	InTransaction(ctx context.Context, fn func(Tx) error) error
}

// SQLRunner adapts the concrete store to TxRunner.
type SQLRunner struct {
	Store *store.PostgresStore
}

func (r SQLRunner) InTransaction(ctx context.Context, fn func(Tx) error) error {
	return r.Store.InTransaction(ctx, func(tx *store.ReviewTx) error {
		return fn(tx)
	})
}

// Processor drives the resolution state machine. All mutations for one
// resolve call happen in a single transaction, serialized per folio by
// a row lock on the procedure.
type Processor struct {
	runner TxRunner
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

func NewProcessor(runner TxRunner, cfg Config, log zerolog.Logger) *Processor {
	return &Processor{
		runner: runner,
		cfg:    cfg.Normalize(),
		log:    log,
		now:    time.Now,
	}
}

// ResolveInput identifies the active review by folio plus either the
// legacy role or the department, and carries the reviewer's decision.
type ResolveInput struct {
	Folio        string
	Role         int
	DepartmentID string
	Status       int
	Text         string
	File         string
	UserID       string
}

// ResolveResult reports what the state machine did with the decision.
type ResolveResult struct {
	Review             store.DependencyReview
	Label              Label
	ProcedureStatus    string
	Escalated          bool
	PreventionDeadline *time.Time
}

// Resolve records one reviewer decision and advances the folio:
// unblocking dependent departments, escalating to the director when
// every department has responded, rejecting the procedure, or opening
// a prevention window.
func (p *Processor) Resolve(ctx context.Context, in ResolveInput) (ResolveResult, error) {
	switch in.Status {
	case store.ResolutionApproved, store.ResolutionRejected, store.ResolutionPrevention:
	default:
		return ResolveResult{}, fmt.Errorf("%w: %d", ErrInvalidStatus, in.Status)
	}

	var out ResolveResult
	err := p.runner.InTransaction(ctx, func(tx Tx) error {
		proc, err := tx.LockProcedureByFolio(ctx, in.Folio)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProcedureNotFound
		}
		if err != nil {
			return fmt.Errorf("lock procedure: %w", err)
		}

		rev, err := p.locateReview(ctx, tx, in)
		if err != nil {
			return err
		}
		if rev.CurrentStatus != nil {
			return ErrAlreadyResolved
		}

		label, err := p.decisionLabel(rev.Role, in.Status)
		if err != nil {
			return err
		}
		isDirector := rev.Role == p.cfg.DirectorRole

		if err := tx.UpdateReviewDecision(ctx, rev.ID, in.Status, in.File, in.UserID); err != nil {
			return err
		}
		if rev.DepartmentID != nil {
			if err := tx.SetWorkflowDecision(ctx, proc.ID, *rev.DepartmentID, workflowStatusFor(in.Status)); err != nil {
				return err
			}
		}
		if err := tx.InsertResolution(ctx, store.DependencyResolution{
			ProcedureID:       proc.ID,
			Folio:             proc.Folio,
			Role:              rev.Role,
			DepartmentID:      rev.DepartmentID,
			UserID:            in.UserID,
			ResolutionStatus:  in.Status,
			ResolutionText:    in.Text,
			ResolutionFile:    in.File,
			IsFinalResolution: isDirector,
		}); err != nil {
			return err
		}

		rev.CurrentStatus = &in.Status
		out = ResolveResult{Review: rev, Label: label, ProcedureStatus: proc.Status}

		if isDirector {
			return p.resolveDirector(ctx, tx, proc, rev, in, &out)
		}
		return p.resolveDepartment(ctx, tx, proc, rev, in, &out)
	})
	if err != nil {
		return ResolveResult{}, err
	}
	return out, nil
}

func (p *Processor) locateReview(ctx context.Context, tx Tx, in ResolveInput) (store.DependencyReview, error) {
	var (
		rev store.DependencyReview
		err error
	)
	if in.DepartmentID != "" {
		rev, err = tx.ActiveReviewByDepartment(ctx, in.Folio, in.DepartmentID)
	} else {
		rev, err = tx.ActiveReviewByRole(ctx, in.Folio, in.Role)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.DependencyReview{}, ErrReviewNotFound
	}
	if err != nil {
		return store.DependencyReview{}, fmt.Errorf("locate review: %w", err)
	}
	return rev, nil
}

// decisionLabel enforces the closed role/permission table for the
// requested status and names the outcome.
func (p *Processor) decisionLabel(role, status int) (Label, error) {
	if role == p.cfg.DirectorRole {
		// The director approves or rejects; prevention belongs to
		// department review.
		if status == store.ResolutionPrevention {
			return LabelNone, ErrNotPermitted
		}
		if status == store.ResolutionRejected {
			return LabelReject, nil
		}
		return LabelNone, nil
	}
	if !CanReview(role) {
		return LabelNone, ErrNotPermitted
	}
	if status == store.ResolutionRejected {
		label, ok := NegativeLabel(role)
		if !ok {
			return LabelNone, ErrNotPermitted
		}
		return label, nil
	}
	return LabelNone, nil
}

func workflowStatusFor(status int) string {
	switch status {
	case store.ResolutionApproved:
		return store.WorkflowApproved
	case store.ResolutionRejected:
		return store.WorkflowRejected
	default:
		return store.WorkflowOnHold
	}
}

func (p *Processor) resolveDirector(ctx context.Context, tx Tx, proc store.Procedure, rev store.DependencyReview, in ResolveInput, out *ResolveResult) error {
	switch in.Status {
	case store.ResolutionApproved:
		if err := tx.SetReviewDirectorApproved(ctx, rev.ID); err != nil {
			return err
		}
		if err := tx.SetProcedureDirectorApproved(ctx, proc.ID); err != nil {
			return err
		}
		if err := tx.InsertDirectorApproval(ctx, store.DirectorApproval{
			ID:             util.NewID("dap"),
			ProcedureID:    proc.ID,
			Folio:          proc.Folio,
			ReviewID:       rev.ID,
			ApprovalStatus: store.ResolutionApproved,
			ApprovedBy:     in.UserID,
		}); err != nil {
			return err
		}
		if err := tx.QueueNotification(ctx, store.Notification{
			ProcedureID:      proc.ID,
			Folio:            proc.Folio,
			Recipient:        proc.ApplicantEmail,
			Subject:          "Payment order ready for " + proc.Folio,
			Comment:          in.Text,
			NotificationType: store.NotificationPaymentOrder,
		}); err != nil {
			return err
		}
		out.ProcedureStatus = proc.Status
		return nil
	case store.ResolutionRejected:
		if err := tx.InsertDirectorApproval(ctx, store.DirectorApproval{
			ID:             util.NewID("dap"),
			ProcedureID:    proc.ID,
			Folio:          proc.Folio,
			ReviewID:       rev.ID,
			ApprovalStatus: store.ResolutionRejected,
			ApprovedBy:     in.UserID,
		}); err != nil {
			return err
		}
		if err := tx.UpdateProcedureStatus(ctx, proc.ID, store.ProcedureRejected); err != nil {
			return err
		}
		if err := tx.QueueNotification(ctx, store.Notification{
			ProcedureID:      proc.ID,
			Folio:            proc.Folio,
			Recipient:        proc.ApplicantEmail,
			Subject:          "Application " + proc.Folio + " rejected",
			Comment:          in.Text,
			NotificationType: store.NotificationRejection,
		}); err != nil {
			return err
		}
		out.ProcedureStatus = store.ProcedureRejected
		return nil
	}
	return ErrNotPermitted
}

func (p *Processor) resolveDepartment(ctx context.Context, tx Tx, proc store.Procedure, rev store.DependencyReview, in ResolveInput, out *ResolveResult) error {
	switch in.Status {
	case store.ResolutionApproved:
		if IsSpecialized(rev.Role, p.cfg.SpecializedRoleThreshold) {
			if err := tx.QueueNotification(ctx, store.Notification{
				ProcedureID:      proc.ID,
				Folio:            proc.Folio,
				Recipient:        proc.ApplicantEmail,
				Subject:          "Department approval recorded for " + proc.Folio,
				Comment:          in.Text,
				NotificationType: store.NotificationApproval,
			}); err != nil {
				return err
			}
		}
	case store.ResolutionRejected:
		reviews, err := tx.ListActiveReviews(ctx, proc.ID)
		if err != nil {
			return err
		}
		if departmentReviewCount(reviews, p.cfg.DirectorRole) == 1 {
			// A lone department rejecting closes the application
			// outright; the director never sees it.
			if err := tx.UpdateProcedureStatus(ctx, proc.ID, store.ProcedureRejected); err != nil {
				return err
			}
			if err := tx.QueueNotification(ctx, store.Notification{
				ProcedureID:      proc.ID,
				Folio:            proc.Folio,
				Recipient:        proc.ApplicantEmail,
				Subject:          "Application " + proc.Folio + " rejected",
				Comment:          in.Text,
				NotificationType: store.NotificationRejection,
			}); err != nil {
				return err
			}
			out.ProcedureStatus = store.ProcedureRejected
			return nil
		}
	case store.ResolutionPrevention:
		muni, err := tx.GetMunicipality(ctx, proc.MunicipalityID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load municipality: %w", err)
		}
		days := muni.ComplianceDays
		if days <= 0 {
			days = p.cfg.DefaultComplianceDays
		}
		deadline := AddBusinessDays(p.now(), days)
		if err := tx.InsertPreventionRequest(ctx, store.PreventionRequest{
			ID:                util.NewID("prv"),
			ProcedureID:       proc.ID,
			Folio:             proc.Folio,
			Role:              rev.Role,
			MaxResolutionDate: deadline,
			BusinessDays:      days,
			Status:            store.PreventionOpen,
			Comment:           in.Text,
		}); err != nil {
			return err
		}
		if err := tx.UpdateProcedureStatus(ctx, proc.ID, store.ProcedurePrevention); err != nil {
			return err
		}
		if err := tx.QueueNotification(ctx, store.Notification{
			ProcedureID:      proc.ID,
			Folio:            proc.Folio,
			Recipient:        proc.ApplicantEmail,
			Subject:          "Corrections required for " + proc.Folio,
			Comment:          fmt.Sprintf("%s Respond by %s.", in.Text, deadline.Format("2006-01-02")),
			NotificationType: store.NotificationPrevention,
		}); err != nil {
			return err
		}
		out.ProcedureStatus = store.ProcedurePrevention
		out.PreventionDeadline = &deadline
	}

	escalated, err := p.advance(ctx, tx, proc)
	if err != nil {
		return err
	}
	out.Escalated = escalated
	if escalated {
		out.ProcedureStatus = store.ProcedureDirectorReview
	}
	return nil
}

// advance recomputes downstream readiness after a decision and, when
// every countable department has responded, escalates to the director.
// Runs inside the resolve transaction so the procedure row lock makes
// the completion check race-free.
func (p *Processor) advance(ctx context.Context, tx Tx, proc store.Procedure) (bool, error) {
	workflows, err := tx.ListWorkflows(ctx, proc.ID)
	if err != nil {
		return false, err
	}

	terminal := make(map[string]bool, len(workflows))
	for _, wf := range workflows {
		switch wf.Status {
		case store.WorkflowApproved, store.WorkflowRejected, store.WorkflowOnHold, store.WorkflowSkipped:
			terminal[wf.DepartmentID] = true
		}
	}

	blocked := make(map[string]bool)
	for _, wf := range workflows {
		if wf.Status != store.WorkflowPending || wf.CanStartReview {
			continue
		}
		done := 0
		for _, dep := range wf.BlockingDepartmentIDs {
			if terminal[dep] {
				done++
			}
		}
		// The percentage tracks blocker completion only; rows start
		// at 0 and reach 100 when the last blocker finishes.
		pct := 0
		if len(wf.BlockingDepartmentIDs) > 0 {
			pct = done * 100 / len(wf.BlockingDepartmentIDs)
		}
		if len(wf.BlockingDepartmentIDs) > 0 && done == len(wf.BlockingDepartmentIDs) {
			if err := tx.SetWorkflowReady(ctx, wf.ID, pct); err != nil {
				return false, err
			}
			continue
		}
		if pct != wf.CompletionPercentage {
			if err := tx.SetWorkflowCompletionPercentage(ctx, wf.ID, pct); err != nil {
				return false, err
			}
		}
		blocked[wf.DepartmentID] = true
	}

	reviews, err := tx.ListActiveReviews(ctx, proc.ID)
	if err != nil {
		return false, err
	}
	responded := 0
	countable := 0
	for _, r := range reviews {
		if r.Role == p.cfg.DirectorRole {
			// Already escalated; nothing further to decide here.
			return false, nil
		}
		if r.DepartmentID != nil && blocked[*r.DepartmentID] {
			continue
		}
		countable++
		// Any recorded decision counts as a response, an open
		// prevention window included.
		if r.CurrentStatus != nil {
			responded++
		}
	}
	if countable == 0 || responded < countable || len(blocked) > 0 {
		return false, nil
	}

	inserted, err := tx.InsertDirectorReview(ctx, util.NewID("rev"), proc.ID, proc.MunicipalityID, proc.Folio, p.cfg.DirectorRole)
	if err != nil {
		return false, err
	}
	if !inserted {
		p.log.Warn().Str("folio", proc.Folio).Msg("director review already present, escalation skipped")
		return false, nil
	}
	if err := tx.UpdateProcedureStatus(ctx, proc.ID, store.ProcedureDirectorReview); err != nil {
		return false, err
	}
	p.log.Info().Str("folio", proc.Folio).Int("role", p.cfg.DirectorRole).Msg("escalated to director review")
	return true, nil
}

func departmentReviewCount(reviews []store.DependencyReview, directorRole int) int {
	n := 0
	for _, r := range reviews {
		if r.Role != directorRole {
			n++
		}
	}
	return n
}

// RespondPrevention records the applicant's corrected submission for an
// open prevention window: the prevention request closes, the department
// review reopens, and the procedure returns to the review queue.
func (p *Processor) RespondPrevention(ctx context.Context, folio string, role int) error {
	return p.runner.InTransaction(ctx, func(tx Tx) error {
		proc, err := tx.LockProcedureByFolio(ctx, folio)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProcedureNotFound
		}
		if err != nil {
			return fmt.Errorf("lock procedure: %w", err)
		}
		rev, err := tx.ActiveReviewByRole(ctx, folio, role)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrReviewNotFound
		}
		if err != nil {
			return fmt.Errorf("locate review: %w", err)
		}
		if rev.CurrentStatus == nil || *rev.CurrentStatus != store.ResolutionPrevention {
			return ErrNoOpenPrevention
		}
		if err := tx.MarkPreventionAnswered(ctx, proc.ID, role); err != nil {
			return err
		}
		if err := tx.ReopenReview(ctx, rev.ID); err != nil {
			return err
		}
		if rev.DepartmentID != nil {
			if err := tx.ReopenWorkflow(ctx, proc.ID, *rev.DepartmentID); err != nil {
				return err
			}
		}
		if err := tx.UpdateProcedureStatus(ctx, proc.ID, store.ProcedurePendingReview); err != nil {
			return err
		}
		p.log.Info().Str("folio", folio).Int("role", role).Msg("prevention answered, review reopened")
		return nil
	})
}

// EmitLicense issues the license once the director review is approved.
func (p *Processor) EmitLicense(ctx context.Context, folio string, actorRole int, userID string) error {
	return p.runner.InTransaction(ctx, func(tx Tx) error {
		proc, err := tx.LockProcedureByFolio(ctx, folio)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProcedureNotFound
		}
		if err != nil {
			return fmt.Errorf("lock procedure: %w", err)
		}
		rev, err := tx.ActiveReviewByRole(ctx, folio, p.cfg.DirectorRole)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrReviewNotFound
		}
		if err != nil {
			return fmt.Errorf("locate director review: %w", err)
		}
		if !CanEmitLicense(actorRole, p.cfg.DirectorRole, rev.CurrentStatus) {
			if actorRole != p.cfg.DirectorRole {
				return ErrNotPermitted
			}
			return ErrNotApprovedByDirector
		}
		if err := tx.SetReviewLicenseIssued(ctx, rev.ID); err != nil {
			return err
		}
		if err := tx.UpdateProcedureStatus(ctx, proc.ID, store.ProcedureLicenseIssued); err != nil {
			return err
		}
		if err := tx.QueueNotification(ctx, store.Notification{
			ProcedureID:      proc.ID,
			Folio:            proc.Folio,
			Recipient:        proc.ApplicantEmail,
			Subject:          "License issued for " + proc.Folio,
			NotificationType: store.NotificationLicense,
		}); err != nil {
			return err
		}
		p.log.Info().Str("folio", folio).Str("user", userID).Msg("license issued")
		return nil
	})
}
