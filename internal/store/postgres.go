package store

import (
	"context"
	"database/sql"
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified, created_at, updated_at
		FROM users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
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
		return fmt.Errorf("create password reset: %w", err)
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

// ---- refresh sessions / token revocation ----

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

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
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

// ---- workspaces & memberships ----

func (s *PostgresStore) InsertWorkspace(ctx context.Context, workspace Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, slug)
		VALUES ($1, $2, $3)
	`, workspace.ID, workspace.Name, workspace.Slug)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var workspace Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at, updated_at FROM workspaces WHERE id=$1
	`, workspaceID).Scan(&workspace.ID, &workspace.Name, &workspace.Slug, &workspace.CreatedAt, &workspace.UpdatedAt)
	if err != nil {
		return Workspace{}, err
	}
	return workspace, nil
}

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, workspaceID, name, slug string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET name=$2, slug=$3, updated_at=NOW() WHERE id=$1
	`, workspaceID, name, slug)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWorkspacesForUser(ctx context.Context, userID string) ([]WorkspaceWithRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.slug, w.created_at, w.updated_at, m.role
		FROM memberships m
		JOIN workspaces w ON w.id = m.workspace_id
		WHERE m.user_id = $1
		ORDER BY m.created_at, m.workspace_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	items := make([]WorkspaceWithRole, 0)
	for rows.Next() {
		var item WorkspaceWithRole
		if err := rows.Scan(&item.ID, &item.Name, &item.Slug, &item.CreatedAt, &item.UpdatedAt, &item.Role); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMembership(ctx context.Context, membership Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (id, workspace_id, user_id, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, user_id) DO NOTHING
	`, membership.ID, membership.WorkspaceID, membership.UserID, membership.Role)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, workspaceID, userID string) (Membership, error) {
	var membership Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, user_id, role, created_at
		FROM memberships
		WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID).Scan(&membership.ID, &membership.WorkspaceID, &membership.UserID, &membership.Role, &membership.CreatedAt)
	if err != nil {
		return Membership{}, err
	}
	return membership, nil
}

// FirstMembership returns the user's oldest membership. The ordering is
// arbitrary but deterministic so the resolver's fallback is stable.
func (s *PostgresStore) FirstMembership(ctx context.Context, userID string) (Membership, error) {
	var membership Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, user_id, role, created_at
		FROM memberships
		WHERE user_id=$1
		ORDER BY created_at, workspace_id
		LIMIT 1
	`, userID).Scan(&membership.ID, &membership.WorkspaceID, &membership.UserID, &membership.Role, &membership.CreatedAt)
	if err != nil {
		return Membership{}, err
	}
	return membership, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, workspaceID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.workspace_id, m.user_id, m.role, m.created_at, u.display_name, u.email
		FROM memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.workspace_id=$1
		ORDER BY m.created_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var item Membership
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.UserID, &item.Role, &item.CreatedAt, &item.UserName, &item.UserEmail); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateMembershipRole(ctx context.Context, workspaceID, userID, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memberships SET role=$3 WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID, role)
	if err != nil {
		return fmt.Errorf("update membership role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update membership rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteMembership(ctx context.Context, workspaceID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM memberships WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete membership rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CountMembersWithRole(ctx context.Context, workspaceID, role string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memberships WHERE workspace_id=$1 AND role=$2
	`, workspaceID, role).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return count, nil
}

// SeatUsage counts occupied seats per gated role. Pending invitations reserve
// a seat until they expire or are revoked.
func (s *PostgresStore) SeatUsage(ctx context.Context, workspaceID string) (SeatCounts, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM memberships WHERE workspace_id=$1 AND role='editor')
			+ (SELECT COUNT(*) FROM invitations WHERE workspace_id=$1 AND role='editor' AND status='pending' AND expires_at > NOW()),
			(SELECT COUNT(*) FROM memberships WHERE workspace_id=$1 AND role='viewer')
			+ (SELECT COUNT(*) FROM invitations WHERE workspace_id=$1 AND role='viewer' AND status='pending' AND expires_at > NOW())
	`
	var counts SeatCounts
	if err := s.db.QueryRowContext(ctx, query, workspaceID).Scan(&counts.Editors, &counts.Viewers); err != nil {
		return SeatCounts{}, fmt.Errorf("seat usage: %w", err)
	}
	return counts, nil
}

// ---- invitations ----

func (s *PostgresStore) InsertInvitation(ctx context.Context, invitation Invitation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invitations (id, workspace_id, email, role, inviter_id, token, status, expires_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8)
	`, invitation.ID, invitation.WorkspaceID, invitation.Email, invitation.Role, invitation.InviterID, invitation.Token, invitation.Status, invitation.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvitationByToken(ctx context.Context, token string) (Invitation, error) {
	var invitation Invitation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, email, role, inviter_id, token, status, expires_at, accepted_by, created_at
		FROM invitations
		WHERE token=$1
	`, token).Scan(
		&invitation.ID,
		&invitation.WorkspaceID,
		&invitation.Email,
		&invitation.Role,
		&invitation.InviterID,
		&invitation.Token,
		&invitation.Status,
		&invitation.ExpiresAt,
		&invitation.AcceptedBy,
		&invitation.CreatedAt,
	)
	if err != nil {
		return Invitation{}, err
	}
	return invitation, nil
}

func (s *PostgresStore) ListInvitations(ctx context.Context, workspaceID string) ([]Invitation, error) {
	return s.listInvitations(ctx, `WHERE workspace_id=$1`, workspaceID)
}

func (s *PostgresStore) ListInvitationsByEmail(ctx context.Context, email string) ([]Invitation, error) {
	return s.listInvitations(ctx, `WHERE email=LOWER($1) AND status='pending' AND expires_at > NOW()`, email)
}

func (s *PostgresStore) listInvitations(ctx context.Context, where string, arg any) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, email, role, inviter_id, token, status, expires_at, accepted_by, created_at
		FROM invitations `+where+` ORDER BY created_at DESC
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	items := make([]Invitation, 0)
	for rows.Next() {
		var item Invitation
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.Email, &item.Role, &item.InviterID, &item.Token, &item.Status, &item.ExpiresAt, &item.AcceptedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkInvitationAccepted(ctx context.Context, invitationID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE invitations SET status='accepted', accepted_by=$2 WHERE id=$1
	`, invitationID, userID)
	if err != nil {
		return fmt.Errorf("accept invitation: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeInvitation(ctx context.Context, workspaceID, invitationID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE invitations SET status='revoked'
		WHERE id=$1 AND workspace_id=$2 AND status='pending'
	`, invitationID, workspaceID)
	if err != nil {
		return fmt.Errorf("revoke invitation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke invitation rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- pillars ----

func (s *PostgresStore) ListPillars(ctx context.Context, workspaceID string) ([]Pillar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, status, owner_id, created_at, updated_at
		FROM pillars WHERE workspace_id=$1 ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list pillars: %w", err)
	}
	defer rows.Close()

	items := make([]Pillar, 0)
	for rows.Next() {
		var item Pillar
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.Name, &item.Status, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pillar: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pillars: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPillar(ctx context.Context, workspaceID, pillarID string) (Pillar, error) {
	var item Pillar
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, status, owner_id, created_at, updated_at
		FROM pillars WHERE id=$1 AND workspace_id=$2
	`, pillarID, workspaceID).Scan(&item.ID, &item.WorkspaceID, &item.Name, &item.Status, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Pillar{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertPillar(ctx context.Context, item Pillar) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pillars (id, workspace_id, name, status, owner_id)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.WorkspaceID, item.Name, item.Status, item.OwnerID)
	if err != nil {
		return fmt.Errorf("insert pillar: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePillar(ctx context.Context, item Pillar) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pillars SET name=$3, status=$4, updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, item.ID, item.WorkspaceID, item.Name, item.Status)
	if err != nil {
		return fmt.Errorf("update pillar: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePillar(ctx context.Context, workspaceID, pillarID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pillars WHERE id=$1 AND workspace_id=$2`, pillarID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete pillar: %w", err)
	}
	return nil
}

// ---- narratives ----

func (s *PostgresStore) ListNarratives(ctx context.Context, workspaceID string) ([]Narrative, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, COALESCE(pillar_id, ''), title, body, status, owner_id, created_at, updated_at
		FROM narratives WHERE workspace_id=$1 ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list narratives: %w", err)
	}
	defer rows.Close()

	items := make([]Narrative, 0)
	for rows.Next() {
		var item Narrative
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.PillarID, &item.Title, &item.Body, &item.Status, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan narrative: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate narratives: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetNarrative(ctx context.Context, workspaceID, narrativeID string) (Narrative, error) {
	var item Narrative
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, COALESCE(pillar_id, ''), title, body, status, owner_id, created_at, updated_at
		FROM narratives WHERE id=$1 AND workspace_id=$2
	`, narrativeID, workspaceID).Scan(&item.ID, &item.WorkspaceID, &item.PillarID, &item.Title, &item.Body, &item.Status, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Narrative{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertNarrative(ctx context.Context, item Narrative) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO narratives (id, workspace_id, pillar_id, title, body, status, owner_id)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
	`, item.ID, item.WorkspaceID, item.PillarID, item.Title, item.Body, item.Status, item.OwnerID)
	if err != nil {
		return fmt.Errorf("insert narrative: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateNarrative(ctx context.Context, item Narrative) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE narratives SET pillar_id=NULLIF($3, ''), title=$4, body=$5, status=$6, updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, item.ID, item.WorkspaceID, item.PillarID, item.Title, item.Body, item.Status)
	if err != nil {
		return fmt.Errorf("update narrative: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteNarrative(ctx context.Context, workspaceID, narrativeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM narratives WHERE id=$1 AND workspace_id=$2`, narrativeID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete narrative: %w", err)
	}
	return nil
}

// ---- commitments ----

func (s *PostgresStore) ListCommitments(ctx context.Context, workspaceID string) ([]Commitment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, narrative_id, title, status, owner_id, created_at, updated_at
		FROM commitments WHERE workspace_id=$1 ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}
	defer rows.Close()

	items := make([]Commitment, 0)
	for rows.Next() {
		var item Commitment
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.NarrativeID, &item.Title, &item.Status, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan commitment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commitments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCommitment(ctx context.Context, workspaceID, commitmentID string) (Commitment, error) {
	var item Commitment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, narrative_id, title, status, owner_id, created_at, updated_at
		FROM commitments WHERE id=$1 AND workspace_id=$2
	`, commitmentID, workspaceID).Scan(&item.ID, &item.WorkspaceID, &item.NarrativeID, &item.Title, &item.Status, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Commitment{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertCommitment(ctx context.Context, item Commitment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commitments (id, workspace_id, narrative_id, title, status, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.WorkspaceID, item.NarrativeID, item.Title, item.Status, item.OwnerID)
	if err != nil {
		return fmt.Errorf("insert commitment: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCommitment(ctx context.Context, item Commitment) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE commitments SET narrative_id=$3, title=$4, status=$5, updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, item.ID, item.WorkspaceID, item.NarrativeID, item.Title, item.Status)
	if err != nil {
		return fmt.Errorf("update commitment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCommitment(ctx context.Context, workspaceID, commitmentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM commitments WHERE id=$1 AND workspace_id=$2`, commitmentID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete commitment: %w", err)
	}
	return nil
}

// ---- tasks ----

func (s *PostgresStore) ListTasks(ctx context.Context, workspaceID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, commitment_id, title, status, due_at, owner_id, created_at, updated_at
		FROM tasks WHERE workspace_id=$1 ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		var item Task
		if err := rows.Scan(&item.ID, &item.WorkspaceID, &item.CommitmentID, &item.Title, &item.Status, &item.DueAt, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, workspaceID, taskID string) (Task, error) {
	var item Task
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, commitment_id, title, status, due_at, owner_id, created_at, updated_at
		FROM tasks WHERE id=$1 AND workspace_id=$2
	`, taskID, workspaceID).Scan(&item.ID, &item.WorkspaceID, &item.CommitmentID, &item.Title, &item.Status, &item.DueAt, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, item Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, workspace_id, commitment_id, title, status, due_at, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.WorkspaceID, item.CommitmentID, item.Title, item.Status, item.DueAt, item.OwnerID)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, item Task) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET commitment_id=$3, title=$4, status=$5, due_at=$6, updated_at=NOW()
		WHERE id=$1 AND workspace_id=$2
	`, item.ID, item.WorkspaceID, item.CommitmentID, item.Title, item.Status, item.DueAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, workspaceID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1 AND workspace_id=$2`, taskID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// ---- billing ----

func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (Plan, error) {
	var plan Plan
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, editor_seats, viewer_seats, price_cents, billing_interval
		FROM plans WHERE id=$1
	`, planID).Scan(&plan.ID, &plan.Name, &plan.EditorSeats, &plan.ViewerSeats, &plan.PriceCents, &plan.Interval)
	if err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, editor_seats, viewer_seats, price_cents, billing_interval
		FROM plans ORDER BY price_cents
	`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	items := make([]Plan, 0)
	for rows.Next() {
		var plan Plan
		if err := rows.Scan(&plan.ID, &plan.Name, &plan.EditorSeats, &plan.ViewerSeats, &plan.PriceCents, &plan.Interval); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		items = append(items, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, workspaceID string) (Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, plan_id, provider_customer_id, provider_subscription_id, status, current_period_end, created_at, updated_at
		FROM subscriptions WHERE workspace_id=$1
	`, workspaceID).Scan(&sub.ID, &sub.WorkspaceID, &sub.PlanID, &sub.ProviderCustomerID, &sub.ProviderSubscriptionID, &sub.Status, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, workspace_id, plan_id, provider_customer_id, provider_subscription_id, status, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workspace_id) DO UPDATE SET
			plan_id=EXCLUDED.plan_id,
			provider_customer_id=EXCLUDED.provider_customer_id,
			provider_subscription_id=EXCLUDED.provider_subscription_id,
			status=EXCLUDED.status,
			current_period_end=EXCLUDED.current_period_end,
			updated_at=NOW()
	`, sub.ID, sub.WorkspaceID, sub.PlanID, sub.ProviderCustomerID, sub.ProviderSubscriptionID, sub.Status, sub.CurrentPeriodEnd)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSubscriptionStatus(ctx context.Context, providerSubscriptionID, status string, periodEnd *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status=$2, current_period_end=COALESCE($3, current_period_end), updated_at=NOW()
		WHERE provider_subscription_id=$1
	`, providerSubscriptionID, status, periodEnd)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update subscription rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
