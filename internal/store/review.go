package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const reviewSelect = `
	SELECT id, procedure_id, municipality_id, folio, role, department_id, current_status,
	       current_file, signature, user_id, director_approved, license_issued, superseded,
	       sent_to_reviewers, start_date, update_date, created_at
	FROM dependency_reviews`

func scanReview(scan func(...any) error) (DependencyReview, error) {
	var item DependencyReview
	err := scan(&item.ID, &item.ProcedureID, &item.MunicipalityID, &item.Folio, &item.Role,
		&item.DepartmentID, &item.CurrentStatus, &item.CurrentFile, &item.Signature, &item.UserID,
		&item.DirectorApproved, &item.LicenseIssued, &item.Superseded, &item.SentToReviewers,
		&item.StartDate, &item.UpdateDate, &item.CreatedAt)
	return item, err
}

// InTransaction runs fn inside a single database transaction. Any error
// rolls everything back; the review decision is all-or-nothing.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(*ReviewTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin review tx: %w", err)
	}
	if err := fn(&ReviewTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit review tx: %w", err)
	}
	return nil
}

// ReviewTx exposes the review state machine's writes against one
// transaction.
type ReviewTx struct {
	tx *sql.Tx
}

// LockProcedureByFolio loads the procedure row under FOR UPDATE, so
// concurrent resolve calls for the same folio serialize here.
func (t *ReviewTx) LockProcedureByFolio(ctx context.Context, folio string) (Procedure, error) {
	var item Procedure
	err := t.tx.QueryRowContext(ctx, procedureSelect+` WHERE folio=$1 FOR UPDATE`, folio).Scan(
		&item.ID, &item.Folio, &item.ProcedureType, &item.MunicipalityID, &item.Status,
		&item.RequirementsQueryID, &item.ApplicantName, &item.ApplicantEmail, &item.DirectorApproved,
		&item.SubmittedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Procedure{}, err
	}
	return item, nil
}

func (t *ReviewTx) LockProcedure(ctx context.Context, procedureID string) (Procedure, error) {
	var item Procedure
	err := t.tx.QueryRowContext(ctx, procedureSelect+` WHERE id=$1 FOR UPDATE`, procedureID).Scan(
		&item.ID, &item.Folio, &item.ProcedureType, &item.MunicipalityID, &item.Status,
		&item.RequirementsQueryID, &item.ApplicantName, &item.ApplicantEmail, &item.DirectorApproved,
		&item.SubmittedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Procedure{}, err
	}
	return item, nil
}

func (t *ReviewTx) GetMunicipality(ctx context.Context, municipalityID string) (Municipality, error) {
	var item Municipality
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, compliance_days, active, created_at, updated_at
		FROM municipalities WHERE id=$1
	`, municipalityID).Scan(&item.ID, &item.Name, &item.ComplianceDays, &item.Active, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Municipality{}, err
	}
	return item, nil
}

// ActiveReviewByRole finds the non-superseded review for (folio, legacy role).
func (t *ReviewTx) ActiveReviewByRole(ctx context.Context, folio string, role int) (DependencyReview, error) {
	row := t.tx.QueryRowContext(ctx, reviewSelect+`
		WHERE folio=$1 AND role=$2 AND NOT superseded
		ORDER BY created_at DESC
		LIMIT 1
	`, folio, role)
	return scanReview(row.Scan)
}

// ActiveReviewByDepartment finds the non-superseded review for
// (folio, department).
func (t *ReviewTx) ActiveReviewByDepartment(ctx context.Context, folio, departmentID string) (DependencyReview, error) {
	row := t.tx.QueryRowContext(ctx, reviewSelect+`
		WHERE folio=$1 AND department_id=$2 AND NOT superseded
		ORDER BY created_at DESC
		LIMIT 1
	`, folio, departmentID)
	return scanReview(row.Scan)
}

func (t *ReviewTx) ListActiveReviews(ctx context.Context, procedureID string) ([]DependencyReview, error) {
	rows, err := t.tx.QueryContext(ctx, reviewSelect+`
		WHERE procedure_id=$1 AND NOT superseded
		ORDER BY created_at ASC
	`, procedureID)
	if err != nil {
		return nil, fmt.Errorf("list active reviews: %w", err)
	}
	defer rows.Close()

	items := make([]DependencyReview, 0)
	for rows.Next() {
		item, err := scanReview(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return items, nil
}

func (t *ReviewTx) InsertReview(ctx context.Context, item DependencyReview) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO dependency_reviews
		    (id, procedure_id, municipality_id, folio, role, department_id, is_director,
		     current_status, current_file, user_id, sent_to_reviewers, start_date)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8, $9, $10, $11)
	`, item.ID, item.ProcedureID, item.MunicipalityID, item.Folio, item.Role, item.DepartmentID,
		item.CurrentStatus, item.CurrentFile, item.UserID, item.SentToReviewers, item.StartDate)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

// InsertDirectorReview inserts the director escalation review exactly once
// per folio completion. The partial unique index absorbs the concurrent
// duplicate: the loser's insert becomes a no-op and inserted=false.
func (t *ReviewTx) InsertDirectorReview(ctx context.Context, reviewID, procedureID, municipalityID, folio string, directorRole int) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO dependency_reviews
		    (id, procedure_id, municipality_id, folio, role, is_director, start_date)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW())
		ON CONFLICT (procedure_id) WHERE is_director AND NOT superseded DO NOTHING
	`, reviewID, procedureID, municipalityID, folio, directorRole)
	if err != nil {
		return false, fmt.Errorf("insert director review: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert director review rows: %w", err)
	}
	return affected > 0, nil
}

func (t *ReviewTx) UpdateReviewDecision(ctx context.Context, reviewID string, status int, file, userID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE dependency_reviews
		SET current_status=$2, current_file=$3, user_id=$4, update_date=NOW()
		WHERE id=$1
	`, reviewID, status, file, userID)
	if err != nil {
		return fmt.Errorf("update review decision: %w", err)
	}
	return nil
}

func (t *ReviewTx) SetReviewDirectorApproved(ctx context.Context, reviewID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE dependency_reviews SET director_approved=TRUE, update_date=NOW() WHERE id=$1
	`, reviewID)
	if err != nil {
		return fmt.Errorf("set director approved: %w", err)
	}
	return nil
}

func (t *ReviewTx) SetReviewLicenseIssued(ctx context.Context, reviewID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE dependency_reviews SET license_issued=TRUE, update_date=NOW() WHERE id=$1
	`, reviewID)
	if err != nil {
		return fmt.Errorf("set license issued: %w", err)
	}
	return nil
}

func (t *ReviewTx) InsertResolution(ctx context.Context, item DependencyResolution) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO dependency_resolutions
		    (procedure_id, folio, role, department_id, user_id, resolution_status,
		     resolution_text, resolution_file, is_final_resolution)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ProcedureID, item.Folio, item.Role, item.DepartmentID, item.UserID,
		item.ResolutionStatus, item.ResolutionText, item.ResolutionFile, item.IsFinalResolution)
	if err != nil {
		return fmt.Errorf("insert resolution: %w", err)
	}
	return nil
}

func (t *ReviewTx) InsertPreventionRequest(ctx context.Context, item PreventionRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO prevention_requests
		    (id, procedure_id, folio, role, max_resolution_date, business_days, status, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.ProcedureID, item.Folio, item.Role, item.MaxResolutionDate, item.BusinessDays, item.Status, item.Comment)
	if err != nil {
		return fmt.Errorf("insert prevention request: %w", err)
	}
	return nil
}

func (t *ReviewTx) InsertDirectorApproval(ctx context.Context, item DirectorApproval) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO director_approvals (id, procedure_id, folio, review_id, approval_status, approved_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.ProcedureID, item.Folio, item.ReviewID, item.ApprovalStatus, item.ApprovedBy)
	if err != nil {
		return fmt.Errorf("insert director approval: %w", err)
	}
	return nil
}

func (t *ReviewTx) UpdateProcedureStatus(ctx context.Context, procedureID, status string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE procedures SET status=$2, updated_at=NOW() WHERE id=$1`, procedureID, status)
	if err != nil {
		return fmt.Errorf("update procedure status: %w", err)
	}
	return nil
}

func (t *ReviewTx) SetProcedureDirectorApproved(ctx context.Context, procedureID string) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE procedures SET director_approved=TRUE, updated_at=NOW() WHERE id=$1`, procedureID)
	if err != nil {
		return fmt.Errorf("set procedure director approved: %w", err)
	}
	return nil
}

// QueueNotification writes the outbox row. Delivery happens after commit.
func (t *ReviewTx) QueueNotification(ctx context.Context, item Notification) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO notifications (procedure_id, folio, recipient, subject, comment, notification_type)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ProcedureID, item.Folio, item.Recipient, item.Subject, item.Comment, item.NotificationType)
	if err != nil {
		return fmt.Errorf("queue notification: %w", err)
	}
	return nil
}

func (t *ReviewTx) InsertWorkflow(ctx context.Context, item ReviewWorkflow) error {
	blocking := item.BlockingDepartmentIDs
	if blocking == nil {
		blocking = []string{}
	}
	encoded, err := json.Marshal(blocking)
	if err != nil {
		return fmt.Errorf("marshal blocking departments: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO dependency_review_workflows
		    (id, procedure_id, department_id, status, can_start_review, blocking_department_ids,
		     dependency_completion_percentage, assigned_at, ready_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, NOW(), $8)
	`, item.ID, item.ProcedureID, item.DepartmentID, item.Status, item.CanStartReview,
		string(encoded), item.CompletionPercentage, item.ReadyAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (t *ReviewTx) ListWorkflows(ctx context.Context, procedureID string) ([]ReviewWorkflow, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, procedure_id, department_id, status, can_start_review,
		       COALESCE(blocking_department_ids::text, '[]'), dependency_completion_percentage,
		       assigned_at, ready_at, started_at, completed_at
		FROM dependency_review_workflows
		WHERE procedure_id=$1
		ORDER BY assigned_at ASC
	`, procedureID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewWorkflow, 0)
	for rows.Next() {
		var item ReviewWorkflow
		var blockingRaw string
		if err := rows.Scan(&item.ID, &item.ProcedureID, &item.DepartmentID, &item.Status, &item.CanStartReview,
			&blockingRaw, &item.CompletionPercentage, &item.AssignedAt, &item.ReadyAt, &item.StartedAt, &item.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		_ = json.Unmarshal([]byte(blockingRaw), &item.BlockingDepartmentIDs)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return items, nil
}

func (t *ReviewTx) SetWorkflowReady(ctx context.Context, workflowID string, completionPct int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE dependency_review_workflows
		SET status=$2, can_start_review=TRUE, ready_at=NOW(), dependency_completion_percentage=$3
		WHERE id=$1 AND status=$4
	`, workflowID, WorkflowReady, completionPct, WorkflowPending)
	if err != nil {
		return fmt.Errorf("set workflow ready: %w", err)
	}
	return nil
}

func (t *ReviewTx) SetWorkflowDecision(ctx context.Context, procedureID, departmentID, status string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE dependency_review_workflows
		SET status=$3, dependency_completion_percentage=100,
		    started_at=COALESCE(started_at, NOW()), completed_at=NOW()
		WHERE procedure_id=$1 AND department_id=$2
	`, procedureID, departmentID, status)
	if err != nil {
		return fmt.Errorf("set workflow decision: %w", err)
	}
	return nil
}

func (t *ReviewTx) SetWorkflowCompletionPercentage(ctx context.Context, workflowID string, pct int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE dependency_review_workflows
		SET dependency_completion_percentage=$2
		WHERE id=$1
	`, workflowID, pct)
	if err != nil {
		return fmt.Errorf("set workflow completion: %w", err)
	}
	return nil
}

// ReopenReview clears the recorded decision so the department reviews
// the corrected documents again. Past resolutions stay in the log.
func (t *ReviewTx) ReopenReview(ctx context.Context, reviewID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE dependency_reviews
		SET current_status=NULL, current_file=NULL, update_date=NOW()
		WHERE id=$1
	`, reviewID)
	if err != nil {
		return fmt.Errorf("reopen review: %w", err)
	}
	return nil
}

// ReopenWorkflow moves a decided workflow row back to ready so the
// legacy projection shows the department as reviewable again.
func (t *ReviewTx) ReopenWorkflow(ctx context.Context, procedureID, departmentID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE dependency_review_workflows
		SET status=$3, completed_at=NULL
		WHERE procedure_id=$1 AND department_id=$2
	`, procedureID, departmentID, WorkflowReady)
	if err != nil {
		return fmt.Errorf("reopen workflow: %w", err)
	}
	return nil
}

func (t *ReviewTx) MarkPreventionAnswered(ctx context.Context, procedureID string, role int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE prevention_requests SET status=$3
		WHERE procedure_id=$1 AND role=$2 AND status=$4
	`, procedureID, role, PreventionAnswered, PreventionOpen)
	if err != nil {
		return fmt.Errorf("mark prevention answered: %w", err)
	}
	return nil
}

// Read-side queries used outside the transaction.

func (s *PostgresStore) ListReviewsByFolio(ctx context.Context, folio string) ([]DependencyReview, error) {
	rows, err := s.db.QueryContext(ctx, reviewSelect+`
		WHERE folio=$1
		ORDER BY created_at ASC
	`, folio)
	if err != nil {
		return nil, fmt.Errorf("list reviews by folio: %w", err)
	}
	defer rows.Close()

	items := make([]DependencyReview, 0)
	for rows.Next() {
		item, err := scanReview(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListResolutionsByFolio(ctx context.Context, folio string) ([]DependencyResolution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, procedure_id, folio, role, department_id, user_id, resolution_status,
		       resolution_text, resolution_file, is_final_resolution, created_at
		FROM dependency_resolutions
		WHERE folio=$1
		ORDER BY created_at ASC
	`, folio)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()

	items := make([]DependencyResolution, 0)
	for rows.Next() {
		var item DependencyResolution
		if err := rows.Scan(&item.ID, &item.ProcedureID, &item.Folio, &item.Role, &item.DepartmentID,
			&item.UserID, &item.ResolutionStatus, &item.ResolutionText, &item.ResolutionFile,
			&item.IsFinalResolution, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resolutions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListPreventionRequestsByFolio(ctx context.Context, folio string) ([]PreventionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, procedure_id, folio, role, max_resolution_date, business_days, status, comment, created_at
		FROM prevention_requests
		WHERE folio=$1
		ORDER BY created_at ASC
	`, folio)
	if err != nil {
		return nil, fmt.Errorf("list prevention requests: %w", err)
	}
	defer rows.Close()

	items := make([]PreventionRequest, 0)
	for rows.Next() {
		var item PreventionRequest
		if err := rows.Scan(&item.ID, &item.ProcedureID, &item.Folio, &item.Role, &item.MaxResolutionDate,
			&item.BusinessDays, &item.Status, &item.Comment, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prevention request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prevention requests: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDirectorApprovalByFolio(ctx context.Context, folio string) (*DirectorApproval, error) {
	var item DirectorApproval
	err := s.db.QueryRowContext(ctx, `
		SELECT id, procedure_id, folio, review_id, approval_status, approved_by, approved_at
		FROM director_approvals
		WHERE folio=$1
		ORDER BY approved_at DESC
		LIMIT 1
	`, folio).Scan(&item.ID, &item.ProcedureID, &item.Folio, &item.ReviewID, &item.ApprovalStatus, &item.ApprovedBy, &item.ApprovedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get director approval: %w", err)
	}
	return &item, nil
}

// FolioState assembles the aggregate review history for a folio, ordered by
// created_at and never deduplicated, so callers can reconstruct the full
// history.
func (s *PostgresStore) FolioState(ctx context.Context, folio string) (FolioState, error) {
	reviews, err := s.ListReviewsByFolio(ctx, folio)
	if err != nil {
		return FolioState{}, err
	}
	resolutions, err := s.ListResolutionsByFolio(ctx, folio)
	if err != nil {
		return FolioState{}, err
	}
	preventions, err := s.ListPreventionRequestsByFolio(ctx, folio)
	if err != nil {
		return FolioState{}, err
	}
	directorApproval, err := s.GetDirectorApprovalByFolio(ctx, folio)
	if err != nil {
		return FolioState{}, err
	}
	return FolioState{
		Reviews:            reviews,
		Resolutions:        resolutions,
		PreventionRequests: preventions,
		DirectorApproval:   directorApproval,
	}, nil
}

func (s *PostgresStore) ListWorkflowsByProcedure(ctx context.Context, procedureID string) ([]ReviewWorkflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, procedure_id, department_id, status, can_start_review,
		       COALESCE(blocking_department_ids::text, '[]'), dependency_completion_percentage,
		       assigned_at, ready_at, started_at, completed_at
		FROM dependency_review_workflows
		WHERE procedure_id=$1
		ORDER BY assigned_at ASC
	`, procedureID)
	if err != nil {
		return nil, fmt.Errorf("list workflows by procedure: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewWorkflow, 0)
	for rows.Next() {
		var item ReviewWorkflow
		var blockingRaw string
		if err := rows.Scan(&item.ID, &item.ProcedureID, &item.DepartmentID, &item.Status, &item.CanStartReview,
			&blockingRaw, &item.CompletionPercentage, &item.AssignedAt, &item.ReadyAt, &item.StartedAt, &item.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		_ = json.Unmarshal([]byte(blockingRaw), &item.BlockingDepartmentIDs)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return items, nil
}
