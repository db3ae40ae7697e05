package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bidline/internal/db"
	"bidline/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleState is returned when a conditional update finds the row
	// no longer in the expected status.
	ErrStaleState      = errors.New("stale state")
	ErrAlreadyResolved = errors.New("conflict check already resolved")
)

func (r Repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.DB.ExecContext(ctx, r.Dialect.Rebind(query), args...)
}

func (r Repo) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.DB.QueryContext(ctx, r.Dialect.Rebind(query), args...)
}

func (r Repo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.DB.QueryRowContext(ctx, r.Dialect.Rebind(query), args...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const projectColumns = `id,name,company,status,assigned_operator,registration_deadline,bidding_deadline,
registration_info,deposit_info,preparation_info,bidding_info,
registration_at,deposit_at,preparation_at,bidding_at,created_by,created_at,updated_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var status string
	var company, operator, regDeadline, bidDeadline sql.NullString
	var regInfo, depInfo, prepInfo, bidInfo sql.NullString
	var regAt, depAt, prepAt, bidAt sql.NullString
	err := row.Scan(&p.ID, &p.Name, &company, &status, &operator, &regDeadline, &bidDeadline,
		&regInfo, &depInfo, &prepInfo, &bidInfo,
		&regAt, &depAt, &prepAt, &bidAt, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.Status(status)
	p.Company = company.String
	p.AssignedOperator = optional(operator)
	p.RegistrationDeadline = optional(regDeadline)
	p.BiddingDeadline = optional(bidDeadline)
	p.RegistrationAt = optional(regAt)
	p.DepositAt = optional(depAt)
	p.PreparationAt = optional(prepAt)
	p.BiddingAt = optional(bidAt)
	if regInfo.Valid {
		p.RegistrationInfo = &domain.RegistrationInfo{}
		if err := json.Unmarshal([]byte(regInfo.String), p.RegistrationInfo); err != nil {
			return p, fmt.Errorf("decode registration_info: %w", err)
		}
	}
	if depInfo.Valid {
		p.DepositInfo = &domain.DepositInfo{}
		if err := json.Unmarshal([]byte(depInfo.String), p.DepositInfo); err != nil {
			return p, fmt.Errorf("decode deposit_info: %w", err)
		}
	}
	if prepInfo.Valid {
		p.PreparationInfo = &domain.PreparationInfo{}
		if err := json.Unmarshal([]byte(prepInfo.String), p.PreparationInfo); err != nil {
			return p, fmt.Errorf("decode preparation_info: %w", err)
		}
	}
	if bidInfo.Valid {
		p.BiddingInfo = &domain.BiddingInfo{}
		if err := json.Unmarshal([]byte(bidInfo.String), p.BiddingInfo); err != nil {
			return p, fmt.Errorf("decode bidding_info: %w", err)
		}
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.exec(ctx, `INSERT INTO projects(id,name,company,status,assigned_operator,registration_deadline,bidding_deadline,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Company), string(p.Status), nullableStringPtr(p.AssignedOperator),
		nullableStringPtr(p.RegistrationDeadline), nullableStringPtr(p.BiddingDeadline), p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.queryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// ProjectFilter selects projects by exact match. Empty fields are ignored.
type ProjectFilter struct {
	Name             string
	ExcludeID        string
	Status           domain.Status
	AssignedOperator string
	Limit            int
}

func (r Repo) FindProjects(ctx context.Context, f ProjectFilter) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.Name != "" {
		clauses = append(clauses, "name=?")
		args = append(args, f.Name)
	}
	if f.ExcludeID != "" {
		clauses = append(clauses, "id<>?")
		args = append(args, f.ExcludeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.AssignedOperator != "" {
		clauses = append(clauses, "assigned_operator=?")
		args = append(args, f.AssignedOperator)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + projectColumns + ` FROM projects ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProjectPatch is the write half of one committed transition.
type ProjectPatch struct {
	Status domain.Status
	// Assign, when non-nil, sets assigned_operator.
	Assign *string
	// Payload fills the slot of Payload.Stage() and stamps its timestamp once.
	Payload domain.StagePayload
	// ClearRegistration nulls assignment, registration_info and registration_at.
	ClearRegistration bool
	At                string
}

func stageColumns(s domain.Status) (string, string, bool) {
	switch s {
	case domain.StatusRegistration:
		return "registration_info", "registration_at", true
	case domain.StatusDeposit:
		return "deposit_info", "deposit_at", true
	case domain.StatusPreparation:
		return "preparation_info", "preparation_at", true
	case domain.StatusBidding:
		return "bidding_info", "bidding_at", true
	}
	return "", "", false
}

// ConditionalUpdate applies patch only while the project still has
// expectedStatus. A missed precondition yields ErrStaleState.
func (r Repo) ConditionalUpdate(ctx context.Context, id string, expectedStatus domain.Status, patch ProjectPatch) error {
	if !patch.Status.Valid() {
		return fmt.Errorf("invalid target status %q", patch.Status)
	}
	sets := []string{"status=?", "updated_at=?"}
	args := []any{string(patch.Status), patch.At}
	if patch.Assign != nil {
		sets = append(sets, "assigned_operator=?")
		args = append(args, nullable(*patch.Assign))
	}
	if patch.Payload != nil {
		infoCol, atCol, ok := stageColumns(patch.Payload.Stage())
		if !ok {
			return fmt.Errorf("no payload slot for stage %s", patch.Payload.Stage())
		}
		data, err := json.Marshal(patch.Payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", infoCol, err)
		}
		sets = append(sets, infoCol+"=?", atCol+"=COALESCE("+atCol+",?)")
		args = append(args, string(data), patch.At)
	}
	if patch.ClearRegistration {
		sets = append(sets, "assigned_operator=NULL", "registration_info=NULL", "registration_at=NULL")
	}
	args = append(args, id, string(expectedStatus))
	res, err := r.exec(ctx, `UPDATE projects SET `+strings.Join(sets, ",")+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	if _, err := r.GetProject(ctx, id); err != nil {
		return err
	}
	return ErrStaleState
}

// Apply mirrors ConditionalUpdate on an in-memory copy.
func (patch ProjectPatch) Apply(p domain.Project) domain.Project {
	p.Status = patch.Status
	p.UpdatedAt = patch.At
	if patch.Assign != nil {
		p.AssignedOperator = optionalString(*patch.Assign)
	}
	at := patch.At
	switch v := patch.Payload.(type) {
	case *domain.RegistrationInfo:
		p.RegistrationInfo = v
		if p.RegistrationAt == nil {
			p.RegistrationAt = &at
		}
	case *domain.DepositInfo:
		p.DepositInfo = v
		if p.DepositAt == nil {
			p.DepositAt = &at
		}
	case *domain.PreparationInfo:
		p.PreparationInfo = v
		if p.PreparationAt == nil {
			p.PreparationAt = &at
		}
	case *domain.BiddingInfo:
		p.BiddingInfo = v
		if p.BiddingAt == nil {
			p.BiddingAt = &at
		}
	}
	if patch.ClearRegistration {
		p.AssignedOperator = nil
		p.RegistrationInfo = nil
		p.RegistrationAt = nil
	}
	return p
}

func (r Repo) CountProjectsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.query(ctx, `SELECT status, COUNT(*) FROM projects GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var c int
		if err := rows.Scan(&status, &c); err != nil {
			return nil, err
		}
		counts[status] = c
	}
	return counts, rows.Err()
}

func optional(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
