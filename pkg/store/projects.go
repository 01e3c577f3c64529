package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mailharbor/mailharbor/pkg/types"
)

// CreateProject inserts a project and returns its id.
func (s *Store) CreateProject(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`INSERT INTO projects (name, created_at) VALUES (?, ?)`, name, types.UTCNow())
		if err != nil {
			return fmt.Errorf("failed to create project %s: %w", name, err)
		}
		id, _ = res.LastInsertId()
		return nil
	})
	return id, err
}

// ListProjects returns all projects newest first.
func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	var projects []*types.Project
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.SelectContext(ctx, &projects,
			`SELECT id, name, created_at FROM projects ORDER BY created_at DESC`)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// CreateUser inserts a user and returns its id.
func (s *Store) CreateUser(ctx context.Context, name, password, role string) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`INSERT INTO users (name, password, role, created_at) VALUES (?, ?, ?, ?)`,
			name, password, role, types.UTCNow())
		if err != nil {
			return fmt.Errorf("failed to create user %s: %w", name, err)
		}
		id, _ = res.LastInsertId()
		return nil
	})
	return id, err
}

// GetUser returns one user by id, or nil.
func (s *Store) GetUser(ctx context.Context, id int64) (*types.User, error) {
	var u types.User
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.GetContext(ctx, &u,
			`SELECT id, name, password, role, created_at FROM users WHERE id = ?`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return &u, nil
}

// ListUsers returns all users newest first, passwords omitted.
func (s *Store) ListUsers(ctx context.Context) ([]*types.User, error) {
	var users []*types.User
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.SelectContext(ctx, &users,
			`SELECT id, name, '' AS password, role, created_at FROM users ORDER BY created_at DESC`)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// AssignAccounts links accounts to a user inside a project. Duplicate edges
// are ignored. Returns the number of new assignments.
func (s *Store) AssignAccounts(ctx context.Context, projectID, userID int64, accountIDs []int64) (int64, error) {
	var assigned int64
	err := s.withTx(ctx, func(tx *Tx) error {
		for _, accountID := range accountIDs {
			res, err := tx.tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO project_assignments (project_id, account_id, user_id)
				 VALUES (?, ?, ?)`, projectID, accountID, userID)
			if err != nil {
				return fmt.Errorf("failed to assign account %d: %w", accountID, err)
			}
			n, _ := res.RowsAffected()
			assigned += n
		}
		return nil
	})
	return assigned, err
}

// UnassignAccounts removes assignment edges inside a project.
func (s *Store) UnassignAccounts(ctx context.Context, projectID int64, accountIDs []int64) (int64, error) {
	if len(accountIDs) == 0 {
		return 0, nil
	}
	var removed int64
	err := s.withTx(ctx, func(tx *Tx) error {
		query, args := inQuery(
			`DELETE FROM project_assignments WHERE project_id = ? AND account_id IN (%s)`,
			[]any{projectID}, accountIDs)
		res, err := tx.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to unassign accounts: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// HasGroupPermission reports whether the user owns any account of the group
// through an assignment edge. Admins bypass this check at the service layer.
func (s *Store) HasGroupPermission(ctx context.Context, groupID string, userID int64) (bool, error) {
	var one int
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.GetContext(ctx, &one, `
			SELECT 1
			FROM accounts a
			JOIN project_assignments pa ON a.id = pa.account_id
			WHERE a.group_id = ? AND pa.user_id = ?
			LIMIT 1`, groupID, userID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check group permission: %w", err)
	}
	return true, nil
}

// ProjectStats summarizes assignment coverage for a project.
type ProjectStats struct {
	ProjectID     int64            `json:"project_id"`
	TotalAssigned int64            `json:"total_assigned"`
	Available     int64            `json:"available_for_project"`
	PerUser       map[string]int64 `json:"per_user"`
}

// GetProjectStats computes assignment statistics for one project.
func (s *Store) GetProjectStats(ctx context.Context, projectID int64) (*ProjectStats, error) {
	stats := &ProjectStats{ProjectID: projectID, PerUser: make(map[string]int64)}
	err := s.withHandle(ctx, func(h *Handle) error {
		if err := h.db.GetContext(ctx, &stats.TotalAssigned,
			`SELECT COUNT(*) FROM project_assignments WHERE project_id = ?`, projectID); err != nil {
			return err
		}

		var totalAccounts int64
		if err := h.db.GetContext(ctx, &totalAccounts,
			`SELECT COUNT(*) FROM accounts WHERE is_deleted = 0`); err != nil {
			return err
		}
		stats.Available = totalAccounts - stats.TotalAssigned

		rows, err := h.db.QueryxContext(ctx, `
			SELECT u.name, COUNT(pa.id)
			FROM project_assignments pa
			JOIN users u ON pa.user_id = u.id
			WHERE pa.project_id = ?
			GROUP BY u.id, u.name`, projectID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			var n int64
			if err := rows.Scan(&name, &n); err != nil {
				return err
			}
			stats.PerUser[name] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute project stats: %w", err)
	}
	return stats, nil
}

// AssignedAccountConditions returns the SQL condition and params restricting
// message visibility for a user, per the role/project matrix.
func AssignedAccountConditions(user *types.User, projectID int64) ([]string, []any) {
	if user.Role == types.RoleAdmin {
		if projectID > 0 {
			return []string{`account_id IN (
				SELECT account_id FROM project_assignments WHERE project_id = ?)`},
				[]any{projectID}
		}
		return nil, nil
	}
	if projectID > 0 {
		return []string{`account_id IN (
			SELECT account_id FROM project_assignments WHERE user_id = ? AND project_id = ?)`},
			[]any{user.ID, projectID}
	}
	return []string{`account_id IN (
		SELECT account_id FROM project_assignments WHERE user_id = ?)`},
		[]any{user.ID}
}
