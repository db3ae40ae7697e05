package repo

import (
	"context"
	"database/sql"
	"strings"

	"bidline/internal/domain"
)

// fieldSeparator joins collision labels in conflict_entries.fields.
const fieldSeparator = ","

// InsertConflictCheck stores a check and its entries atomically.
func (r Repo) InsertConflictCheck(ctx context.Context, c domain.ConflictCheck) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, r.Dialect.Rebind(`INSERT INTO conflict_checks(id,project_id,project_name,company,resolved,created_at) VALUES (?,?,?,?,?,?)`),
		c.ID, c.ProjectID, c.ProjectName, nullable(c.Company), boolInt(c.Resolved), c.CreatedAt)
	if err != nil {
		return err
	}
	for i, e := range c.Entries {
		_, err := tx.ExecContext(ctx, r.Dialect.Rebind(`INSERT INTO conflict_entries(check_id,position,sibling_id,sibling_name,sibling_company,fields) VALUES (?,?,?,?,?,?)`),
			c.ID, i, e.SiblingID, nullable(e.SiblingName), nullable(e.SiblingCompany), strings.Join(e.Fields, fieldSeparator))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

const checkColumns = `id,project_id,project_name,company,resolved,resolution_notes,resolved_by,resolved_at,created_at`

func scanCheck(row rowScanner) (domain.ConflictCheck, error) {
	var c domain.ConflictCheck
	var company, notes, resolvedBy, resolvedAt sql.NullString
	var resolved int
	err := row.Scan(&c.ID, &c.ProjectID, &c.ProjectName, &company, &resolved, &notes, &resolvedBy, &resolvedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Company = company.String
	c.Resolved = resolved != 0
	c.ResolutionNotes = notes.String
	c.ResolvedBy = resolvedBy.String
	c.ResolvedAt = optional(resolvedAt)
	return c, nil
}

func (r Repo) GetConflictCheck(ctx context.Context, id string) (domain.ConflictCheck, error) {
	c, err := scanCheck(r.queryRow(ctx, `SELECT `+checkColumns+` FROM conflict_checks WHERE id=?`, id))
	if err != nil {
		return c, err
	}
	c.Entries, err = r.conflictEntries(ctx, c.ID)
	return c, err
}

type ConflictFilter struct {
	ProjectID string
	Resolved  *bool
	Limit     int
}

func (r Repo) ListConflictChecks(ctx context.Context, f ConflictFilter) ([]domain.ConflictCheck, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Resolved != nil {
		clauses = append(clauses, "resolved=?")
		args = append(args, boolInt(*f.Resolved))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + checkColumns + ` FROM conflict_checks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.ConflictCheck
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	// entries are loaded after the cursor is released; sqlite runs on a single connection
	for i := range res {
		entries, err := r.conflictEntries(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Entries = entries
	}
	return res, nil
}

func (r Repo) conflictEntries(ctx context.Context, checkID string) ([]domain.ConflictEntry, error) {
	rows, err := r.query(ctx, `SELECT sibling_id,sibling_name,sibling_company,fields FROM conflict_entries WHERE check_id=? ORDER BY position ASC`, checkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []domain.ConflictEntry{}
	for rows.Next() {
		var e domain.ConflictEntry
		var name, company sql.NullString
		var fields string
		if err := rows.Scan(&e.SiblingID, &name, &company, &fields); err != nil {
			return nil, err
		}
		e.SiblingName = name.String
		e.SiblingCompany = company.String
		if fields != "" {
			e.Fields = strings.Split(fields, fieldSeparator)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ResolveConflictCheck flips resolved exactly once.
func (r Repo) ResolveConflictCheck(ctx context.Context, id, actorID, notes, at string) error {
	res, err := r.exec(ctx, `UPDATE conflict_checks SET resolved=1, resolution_notes=?, resolved_by=?, resolved_at=? WHERE id=? AND resolved=0`,
		notes, actorID, at, id)
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
	if _, err := scanCheck(r.queryRow(ctx, `SELECT `+checkColumns+` FROM conflict_checks WHERE id=?`, id)); err != nil {
		return err
	}
	return ErrAlreadyResolved
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
