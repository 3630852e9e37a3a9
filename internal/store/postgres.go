package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, legacy_role, is_email_verified, verification_token, deactivated_at
		FROM users
		WHERE email = $1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.LegacyRole, &user.IsEmailVerified, &user.VerificationToken, &user.DeactivatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, legacy_role, is_email_verified, verification_token, deactivated_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.LegacyRole, &user.IsEmailVerified, &user.VerificationToken, &user.DeactivatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, legacy_role, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.LegacyRole, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("insert password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role, u.legacy_role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.LegacyRole)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) InsertMunicipality(ctx context.Context, item Municipality) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO municipalities (id, name, compliance_days, active)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.Name, item.ComplianceDays, item.Active)
	if err != nil {
		return fmt.Errorf("insert municipality: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMunicipality(ctx context.Context, municipalityID string) (Municipality, error) {
	var item Municipality
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, compliance_days, active, created_at, updated_at
		FROM municipalities
		WHERE id=$1
	`, municipalityID).Scan(&item.ID, &item.Name, &item.ComplianceDays, &item.Active, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Municipality{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListMunicipalities(ctx context.Context) ([]Municipality, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, compliance_days, active, created_at, updated_at
		FROM municipalities
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list municipalities: %w", err)
	}
	defer rows.Close()

	items := make([]Municipality, 0)
	for rows.Next() {
		var item Municipality
		if err := rows.Scan(&item.ID, &item.Name, &item.ComplianceDays, &item.Active, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan municipality: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate municipalities: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertDepartment(ctx context.Context, item Department) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO departments (id, municipality_id, code, name, active, can_approve, can_reject, requires_all_requirements)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.MunicipalityID, item.Code, item.Name, item.Active, item.CanApprove, item.CanReject, item.RequiresAllRequirements)
	if err != nil {
		return fmt.Errorf("insert department: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDepartment(ctx context.Context, departmentID string) (Department, error) {
	var item Department
	err := s.db.QueryRowContext(ctx, `
		SELECT id, municipality_id, code, name, active, can_approve, can_reject, requires_all_requirements, created_at, updated_at
		FROM departments
		WHERE id=$1
	`, departmentID).Scan(&item.ID, &item.MunicipalityID, &item.Code, &item.Name, &item.Active, &item.CanApprove, &item.CanReject, &item.RequiresAllRequirements, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Department{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListDepartments(ctx context.Context, municipalityID string) ([]Department, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, municipality_id, code, name, active, can_approve, can_reject, requires_all_requirements, created_at, updated_at
		FROM departments
		WHERE municipality_id=$1
		ORDER BY code ASC
	`, municipalityID)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	defer rows.Close()

	items := make([]Department, 0)
	for rows.Next() {
		var item Department
		if err := rows.Scan(&item.ID, &item.MunicipalityID, &item.Code, &item.Name, &item.Active, &item.CanApprove, &item.CanReject, &item.RequiresAllRequirements, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan department: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate departments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertDepartmentRole(ctx context.Context, item DepartmentRole) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO department_roles (id, department_id, legacy_role, can_review_requirements, can_approve_department_review, is_department_lead)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (department_id, legacy_role) DO NOTHING
	`, item.ID, item.DepartmentID, item.LegacyRole, item.CanReviewRequirements, item.CanApproveDepartmentReview, item.IsDepartmentLead)
	if err != nil {
		return fmt.Errorf("insert department role: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDepartmentRoles(ctx context.Context, departmentID string) ([]DepartmentRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, department_id, legacy_role, can_review_requirements, can_approve_department_review, is_department_lead, created_at
		FROM department_roles
		WHERE department_id=$1
		ORDER BY legacy_role ASC
	`, departmentID)
	if err != nil {
		return nil, fmt.Errorf("list department roles: %w", err)
	}
	defer rows.Close()

	items := make([]DepartmentRole, 0)
	for rows.Next() {
		var item DepartmentRole
		if err := rows.Scan(&item.ID, &item.DepartmentID, &item.LegacyRole, &item.CanReviewRequirements, &item.CanApproveDepartmentReview, &item.IsDepartmentLead, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan department role: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate department roles: %w", err)
	}
	return items, nil
}

// LeadRole returns the legacy role code that represents a department in the
// legacy review rows. Falls back to the lowest configured role when no lead
// is flagged, and to zero when the department has no roles at all.
func (s *PostgresStore) LeadRole(ctx context.Context, departmentID string) (int, error) {
	var role int
	err := s.db.QueryRowContext(ctx, `
		SELECT legacy_role FROM department_roles
		WHERE department_id=$1
		ORDER BY is_department_lead DESC, legacy_role ASC
		LIMIT 1
	`, departmentID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lead role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) InsertRequirementAssignment(ctx context.Context, item RequirementDepartmentAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requirement_department_assignments
		    (id, municipality_id, procedure_type, field_name, department_id,
		     is_required_for_approval, can_be_reviewed_in_parallel, depends_on_department_id, review_priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ID, item.MunicipalityID, item.ProcedureType, item.FieldName, item.DepartmentID,
		item.IsRequiredForApproval, item.CanBeReviewedInParallel, item.DependsOnDepartmentID, item.ReviewPriority)
	if err != nil {
		return fmt.Errorf("insert requirement assignment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRequirementAssignments(ctx context.Context, municipalityID, procedureType string) ([]RequirementDepartmentAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, municipality_id, procedure_type, field_name, department_id,
		       is_required_for_approval, can_be_reviewed_in_parallel, depends_on_department_id, review_priority, created_at
		FROM requirement_department_assignments
		WHERE municipality_id=$1 AND procedure_type=$2
		ORDER BY review_priority ASC, field_name ASC
	`, municipalityID, procedureType)
	if err != nil {
		return nil, fmt.Errorf("list requirement assignments: %w", err)
	}
	defer rows.Close()

	items := make([]RequirementDepartmentAssignment, 0)
	for rows.Next() {
		var item RequirementDepartmentAssignment
		if err := rows.Scan(&item.ID, &item.MunicipalityID, &item.ProcedureType, &item.FieldName, &item.DepartmentID,
			&item.IsRequiredForApproval, &item.CanBeReviewedInParallel, &item.DependsOnDepartmentID, &item.ReviewPriority, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan requirement assignment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requirement assignments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertFlow(ctx context.Context, item ProcedureDepartmentFlow) error {
	conditions := item.ActivationConditions
	if conditions == "" {
		conditions = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO procedure_department_flows
		    (id, municipality_id, procedure_type, department_id, step_order,
		     is_parallel_with_previous, activation_conditions, estimated_review_days, max_review_days)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
	`, item.ID, item.MunicipalityID, item.ProcedureType, item.DepartmentID, item.StepOrder,
		item.IsParallelWithPrevious, conditions, item.EstimatedReviewDays, item.MaxReviewDays)
	if err != nil {
		return fmt.Errorf("insert flow: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFlows(ctx context.Context, municipalityID, procedureType string) ([]ProcedureDepartmentFlow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, municipality_id, procedure_type, department_id, step_order,
		       is_parallel_with_previous, COALESCE(activation_conditions::text, '{}'), estimated_review_days, max_review_days, created_at
		FROM procedure_department_flows
		WHERE municipality_id=$1 AND procedure_type=$2
		ORDER BY step_order ASC
	`, municipalityID, procedureType)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	items := make([]ProcedureDepartmentFlow, 0)
	for rows.Next() {
		var item ProcedureDepartmentFlow
		if err := rows.Scan(&item.ID, &item.MunicipalityID, &item.ProcedureType, &item.DepartmentID, &item.StepOrder,
			&item.IsParallelWithPrevious, &item.ActivationConditions, &item.EstimatedReviewDays, &item.MaxReviewDays, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertProcedure(ctx context.Context, item Procedure) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO procedures (id, folio, procedure_type, municipality_id, status, requirements_query_id, applicant_name, applicant_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.Folio, item.ProcedureType, item.MunicipalityID, item.Status, item.RequirementsQueryID, item.ApplicantName, item.ApplicantEmail)
	if err != nil {
		return fmt.Errorf("insert procedure: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProcedure(ctx context.Context, procedureID string) (Procedure, error) {
	return s.scanProcedure(s.db.QueryRowContext(ctx, procedureSelect+` WHERE id=$1`, procedureID))
}

func (s *PostgresStore) GetProcedureByFolio(ctx context.Context, folio string) (Procedure, error) {
	return s.scanProcedure(s.db.QueryRowContext(ctx, procedureSelect+` WHERE folio=$1`, folio))
}

const procedureSelect = `
	SELECT id, folio, procedure_type, municipality_id, status, requirements_query_id,
	       applicant_name, applicant_email, director_approved, submitted_at, created_at, updated_at
	FROM procedures`

func (s *PostgresStore) scanProcedure(row *sql.Row) (Procedure, error) {
	var item Procedure
	err := row.Scan(&item.ID, &item.Folio, &item.ProcedureType, &item.MunicipalityID, &item.Status,
		&item.RequirementsQueryID, &item.ApplicantName, &item.ApplicantEmail, &item.DirectorApproved,
		&item.SubmittedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Procedure{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListProcedures(ctx context.Context, municipalityID string) ([]Procedure, error) {
	rows, err := s.db.QueryContext(ctx, procedureSelect+`
		WHERE municipality_id=$1
		ORDER BY created_at DESC
	`, municipalityID)
	if err != nil {
		return nil, fmt.Errorf("list procedures: %w", err)
	}
	defer rows.Close()

	items := make([]Procedure, 0)
	for rows.Next() {
		var item Procedure
		if err := rows.Scan(&item.ID, &item.Folio, &item.ProcedureType, &item.MunicipalityID, &item.Status,
			&item.RequirementsQueryID, &item.ApplicantName, &item.ApplicantEmail, &item.DirectorApproved,
			&item.SubmittedAt, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan procedure: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate procedures: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkProcedureSubmitted(ctx context.Context, procedureID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE procedures SET status=$2, submitted_at=NOW(), updated_at=NOW() WHERE id=$1
	`, procedureID, ProcedurePendingReview)
	if err != nil {
		return fmt.Errorf("mark procedure submitted: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProcedureStatus(ctx context.Context, procedureID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE procedures SET status=$2, updated_at=NOW() WHERE id=$1`, procedureID, status)
	if err != nil {
		return fmt.Errorf("update procedure status: %w", err)
	}
	return nil
}
