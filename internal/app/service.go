// Package app wires the HTTP API to storage, sessions, billing, search,
// revision history, and export.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"nct/api/internal/auth"
	"nct/api/internal/authpw"
	"nct/api/internal/billing"
	"nct/api/internal/config"
	"nct/api/internal/email"
	"nct/api/internal/export"
	"nct/api/internal/gitrepo"
	"nct/api/internal/rbac"
	"nct/api/internal/search"
	"nct/api/internal/store"
	"nct/api/internal/util"
)

const invitationTTL = 14 * 24 * time.Hour

// Session is an authenticated caller. It carries no role: roles are
// per-workspace and resolved on every request.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

// dataStore is the persistence surface the app needs. *store.PostgresStore
// implements it.
type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)

	InsertWorkspace(ctx context.Context, workspace store.Workspace) error
	GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error)
	UpdateWorkspace(ctx context.Context, workspaceID, name, slug string) error
	ListWorkspacesForUser(ctx context.Context, userID string) ([]store.WorkspaceWithRole, error)

	InsertMembership(ctx context.Context, membership store.Membership) error
	GetMembership(ctx context.Context, workspaceID, userID string) (store.Membership, error)
	FirstMembership(ctx context.Context, userID string) (store.Membership, error)
	ListMembers(ctx context.Context, workspaceID string) ([]store.Membership, error)
	UpdateMembershipRole(ctx context.Context, workspaceID, userID, role string) error
	DeleteMembership(ctx context.Context, workspaceID, userID string) error
	CountMembersWithRole(ctx context.Context, workspaceID, role string) (int, error)

	InsertInvitation(ctx context.Context, invitation store.Invitation) error
	GetInvitationByToken(ctx context.Context, token string) (store.Invitation, error)
	ListInvitations(ctx context.Context, workspaceID string) ([]store.Invitation, error)
	MarkInvitationAccepted(ctx context.Context, invitationID, userID string) error
	RevokeInvitation(ctx context.Context, workspaceID, invitationID string) error

	ListPillars(ctx context.Context, workspaceID string) ([]store.Pillar, error)
	GetPillar(ctx context.Context, workspaceID, pillarID string) (store.Pillar, error)
	InsertPillar(ctx context.Context, item store.Pillar) error
	UpdatePillar(ctx context.Context, item store.Pillar) error
	DeletePillar(ctx context.Context, workspaceID, pillarID string) error

	ListNarratives(ctx context.Context, workspaceID string) ([]store.Narrative, error)
	GetNarrative(ctx context.Context, workspaceID, narrativeID string) (store.Narrative, error)
	InsertNarrative(ctx context.Context, item store.Narrative) error
	UpdateNarrative(ctx context.Context, item store.Narrative) error
	DeleteNarrative(ctx context.Context, workspaceID, narrativeID string) error

	ListCommitments(ctx context.Context, workspaceID string) ([]store.Commitment, error)
	GetCommitment(ctx context.Context, workspaceID, commitmentID string) (store.Commitment, error)
	InsertCommitment(ctx context.Context, item store.Commitment) error
	UpdateCommitment(ctx context.Context, item store.Commitment) error
	DeleteCommitment(ctx context.Context, workspaceID, commitmentID string) error

	ListTasks(ctx context.Context, workspaceID string) ([]store.Task, error)
	GetTask(ctx context.Context, workspaceID, taskID string) (store.Task, error)
	InsertTask(ctx context.Context, item store.Task) error
	UpdateTask(ctx context.Context, item store.Task) error
	DeleteTask(ctx context.Context, workspaceID, taskID string) error

	ListPlans(ctx context.Context) ([]store.Plan, error)
	GetSubscription(ctx context.Context, workspaceID string) (store.Subscription, error)
	SeatUsage(ctx context.Context, workspaceID string) (store.SeatCounts, error)
}

// sessionStore holds refresh tokens and the access token revocation list.
// Both *session.RedisStore and *store.PostgresStore implement it.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// gitService records narrative revisions. *gitrepo.Service implements it.
type gitService interface {
	EnsureRepo(narrativeID string, initial gitrepo.Content, author string) error
	CommitContent(narrativeID string, content gitrepo.Content, author, message string) (gitrepo.CommitInfo, error)
	History(narrativeID string, limit int) ([]gitrepo.CommitInfo, error)
	ContentAt(narrativeID, hash string) (gitrepo.Content, error)
	Remove(narrativeID string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authpw   *authpw.Service
	billing  *billing.Service
	email    *email.Service
	search   *search.Service
	git      gitService
	export   *export.Service
}

// Dependencies carries the optional collaborators. Any nil field disables
// the corresponding feature.
type Dependencies struct {
	Auth    *authpw.Service
	Billing *billing.Service
	Email   *email.Service
	Search  *search.Service
	Git     gitService
	Export  *export.Service
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, deps Dependencies) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		authpw:   deps.Auth,
		billing:  deps.Billing,
		email:    deps.Email,
		search:   deps.Search,
		git:      deps.Git,
		export:   deps.Export,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// DeliverVerificationEmail sends the signup verification link. Delivery
// failures are logged, not returned: the account already exists and the
// token can be re-requested.
func (s *Service) DeliverVerificationEmail(to, displayName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	verifyURL := s.cfg.AppBaseURL + "/verify-email?token=" + token
	if err := s.email.SendVerificationEmail(to, displayName, verifyURL); err != nil {
		log.Printf("send verification email to %s: %v", to, err)
	}
}

// DeliverPasswordResetEmail sends the reset link for an issued reset token.
func (s *Service) DeliverPasswordResetEmail(ctx context.Context, to, token string) {
	if !s.SMTPConfigured() || token == "" {
		return
	}
	displayName := to
	if user, err := s.store.GetUserByEmail(ctx, to); err == nil {
		displayName = user.DisplayName
	}
	resetURL := s.cfg.AppBaseURL + "/reset-password?token=" + token
	if err := s.email.SendPasswordResetEmail(to, displayName, resetURL); err != nil {
		log.Printf("send password reset email to %s: %v", to, err)
	}
}

// ---- sessions ----

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// The Redis backend stores only the user id; reload the full record.
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Email:     claims.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ---- workspace resolution ----

// WorkspaceContext is a workspace together with the caller's role in it.
type WorkspaceContext struct {
	Workspace store.Workspace
	Role      rbac.Role
}

// ResolveWorkspace picks the caller's current workspace. A hint naming a
// workspace the caller belongs to wins; a stale or foreign hint falls back
// silently to the caller's first membership, as does a membership whose
// workspace row no longer exists. A caller with no memberships resolves to
// nil without error.
func (s *Service) ResolveWorkspace(ctx context.Context, session Session, hint string) (*WorkspaceContext, error) {
	if hint != "" {
		membership, err := s.store.GetMembership(ctx, hint, session.UserID)
		switch {
		case err == nil:
			resolved, err := s.workspaceContext(ctx, membership)
			if err == nil {
				return resolved, nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}
			// Dangling membership: treat like a stale hint.
		case !errors.Is(err, sql.ErrNoRows):
			return nil, err
		}
	}

	membership, err := s.store.FirstMembership(ctx, session.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.workspaceContext(ctx, membership)
}

func (s *Service) workspaceContext(ctx context.Context, membership store.Membership) (*WorkspaceContext, error) {
	workspace, err := s.store.GetWorkspace(ctx, membership.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return &WorkspaceContext{Workspace: workspace, Role: rbac.Normalize(membership.Role)}, nil
}

// requireMember returns the caller's role in the workspace. Non-members get
// NOT_FOUND rather than FORBIDDEN so a workspace's existence is not leaked
// across the tenant boundary.
func (s *Service) requireMember(ctx context.Context, workspaceID, userID string) (rbac.Role, error) {
	membership, err := s.store.GetMembership(ctx, workspaceID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	if err != nil {
		return "", err
	}
	return rbac.Normalize(membership.Role), nil
}

func (s *Service) requireMinimumRole(ctx context.Context, workspaceID, userID string, required rbac.Role) (rbac.Role, error) {
	role, err := s.requireMember(ctx, workspaceID, userID)
	if err != nil {
		return "", err
	}
	if !rbac.HasMinimumRole(role, required) {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return role, nil
}

// ---- workspaces ----

func (s *Service) CreateWorkspace(ctx context.Context, session Session, name string) (store.Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Workspace{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	workspace := store.Workspace{
		ID:   util.NewID("ws"),
		Name: name,
		Slug: slugify(name),
	}
	if err := s.store.InsertWorkspace(ctx, workspace); err != nil {
		return store.Workspace{}, err
	}
	membership := store.Membership{
		ID:          util.NewID("mem"),
		WorkspaceID: workspace.ID,
		UserID:      session.UserID,
		Role:        string(rbac.RoleOwner),
	}
	if err := s.store.InsertMembership(ctx, membership); err != nil {
		return store.Workspace{}, err
	}
	return s.store.GetWorkspace(ctx, workspace.ID)
}

func (s *Service) ListWorkspaces(ctx context.Context, session Session) ([]store.WorkspaceWithRole, error) {
	return s.store.ListWorkspacesForUser(ctx, session.UserID)
}

func (s *Service) GetWorkspaceByID(ctx context.Context, session Session, workspaceID string) (store.Workspace, rbac.Role, error) {
	role, err := s.requireMember(ctx, workspaceID, session.UserID)
	if err != nil {
		return store.Workspace{}, "", err
	}
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return store.Workspace{}, "", err
	}
	return workspace, role, nil
}

func (s *Service) UpdateWorkspaceName(ctx context.Context, session Session, workspaceID, name string) (store.Workspace, error) {
	if _, err := s.requireMinimumRole(ctx, workspaceID, session.UserID, rbac.RoleAdmin); err != nil {
		return store.Workspace{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Workspace{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if err := s.store.UpdateWorkspace(ctx, workspaceID, name, slugify(name)); err != nil {
		return store.Workspace{}, err
	}
	return s.store.GetWorkspace(ctx, workspaceID)
}

// ---- members ----

func (s *Service) ListWorkspaceMembers(ctx context.Context, session Session, workspaceID string) ([]store.Membership, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, workspaceID)
}

// ChangeMemberRole updates a member's role. Granting or removing the owner
// role requires an owner, and the last owner can never be demoted.
func (s *Service) ChangeMemberRole(ctx context.Context, session Session, workspaceID, userID, newRole string) error {
	callerRole, err := s.requireMinimumRole(ctx, workspaceID, session.UserID, rbac.RoleAdmin)
	if err != nil {
		return err
	}
	if !rbac.Valid(rbac.Role(newRole)) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of owner, admin, editor, viewer", nil)
	}

	target, err := s.store.GetMembership(ctx, workspaceID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Member not found", nil)
	}
	if err != nil {
		return err
	}
	if target.Role == newRole {
		return nil
	}

	touchesOwner := target.Role == string(rbac.RoleOwner) || newRole == string(rbac.RoleOwner)
	if touchesOwner && callerRole != rbac.RoleOwner {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only an owner may change the owner role", nil)
	}
	if target.Role == string(rbac.RoleOwner) {
		owners, err := s.store.CountMembersWithRole(ctx, workspaceID, string(rbac.RoleOwner))
		if err != nil {
			return err
		}
		if owners <= 1 {
			return domainError(http.StatusConflict, "LAST_OWNER", "A workspace must keep at least one owner", nil)
		}
	}

	if s.billing != nil {
		if err := s.billing.CheckSeatAvailable(ctx, workspaceID, rbac.Role(newRole)); err != nil {
			if errors.Is(err, billing.ErrSeatLimitReached) {
				return domainError(http.StatusConflict, "SEAT_LIMIT", "Plan seat limit reached", nil)
			}
			return err
		}
	}

	return s.store.UpdateMembershipRole(ctx, workspaceID, userID, newRole)
}

// RemoveMember removes a member from the workspace. Members may remove
// themselves; removing anyone else requires admin. The last owner stays.
func (s *Service) RemoveMember(ctx context.Context, session Session, workspaceID, userID string) error {
	callerRole, err := s.requireMember(ctx, workspaceID, session.UserID)
	if err != nil {
		return err
	}
	if userID != session.UserID && !rbac.IsAdminOrOwner(callerRole) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	target, err := s.store.GetMembership(ctx, workspaceID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Member not found", nil)
	}
	if err != nil {
		return err
	}
	if target.Role == string(rbac.RoleOwner) {
		if userID != session.UserID && callerRole != rbac.RoleOwner {
			return domainError(http.StatusForbidden, "FORBIDDEN", "Only an owner may remove an owner", nil)
		}
		owners, err := s.store.CountMembersWithRole(ctx, workspaceID, string(rbac.RoleOwner))
		if err != nil {
			return err
		}
		if owners <= 1 {
			return domainError(http.StatusConflict, "LAST_OWNER", "A workspace must keep at least one owner", nil)
		}
	}

	return s.store.DeleteMembership(ctx, workspaceID, userID)
}

// ---- invitations ----

func (s *Service) CreateInvitation(ctx context.Context, session Session, workspaceID, inviteEmail, role string) (store.Invitation, error) {
	if _, err := s.requireMinimumRole(ctx, workspaceID, session.UserID, rbac.RoleAdmin); err != nil {
		return store.Invitation{}, err
	}

	inviteEmail = strings.ToLower(strings.TrimSpace(inviteEmail))
	if inviteEmail == "" {
		return store.Invitation{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}
	if !rbac.Valid(rbac.Role(role)) || role == string(rbac.RoleOwner) {
		return store.Invitation{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of admin, editor, viewer", nil)
	}

	if existing, err := s.store.GetUserByEmail(ctx, inviteEmail); err == nil {
		if _, err := s.store.GetMembership(ctx, workspaceID, existing.ID); err == nil {
			return store.Invitation{}, domainError(http.StatusConflict, "ALREADY_MEMBER", "User is already a member of this workspace", nil)
		}
	}

	if s.billing != nil {
		if err := s.billing.CheckSeatAvailable(ctx, workspaceID, rbac.Role(role)); err != nil {
			if errors.Is(err, billing.ErrSeatLimitReached) {
				return store.Invitation{}, domainError(http.StatusConflict, "SEAT_LIMIT", "Plan seat limit reached", nil)
			}
			return store.Invitation{}, err
		}
	}

	token, err := randomToken()
	if err != nil {
		return store.Invitation{}, fmt.Errorf("generate invitation token: %w", err)
	}
	invitation := store.Invitation{
		ID:          util.NewID("inv"),
		WorkspaceID: workspaceID,
		Email:       inviteEmail,
		Role:        role,
		InviterID:   session.UserID,
		Token:       token,
		Status:      store.InvitationPending,
		ExpiresAt:   time.Now().Add(invitationTTL),
	}
	if err := s.store.InsertInvitation(ctx, invitation); err != nil {
		return store.Invitation{}, err
	}

	if s.SMTPConfigured() {
		workspace, err := s.store.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return store.Invitation{}, err
		}
		acceptURL := s.cfg.AppBaseURL + "/invitations/accept?token=" + token
		if err := s.email.SendInvitationEmail(inviteEmail, session.UserName, workspace.Name, role, acceptURL); err != nil {
			log.Printf("send invitation email to %s: %v", inviteEmail, err)
		}
	}

	return invitation, nil
}

func (s *Service) ListWorkspaceInvitations(ctx context.Context, session Session, workspaceID string) ([]store.Invitation, error) {
	if _, err := s.requireMinimumRole(ctx, workspaceID, session.UserID, rbac.RoleAdmin); err != nil {
		return nil, err
	}
	return s.store.ListInvitations(ctx, workspaceID)
}

func (s *Service) RevokeInvitation(ctx context.Context, session Session, workspaceID, invitationID string) error {
	if _, err := s.requireMinimumRole(ctx, workspaceID, session.UserID, rbac.RoleAdmin); err != nil {
		return err
	}
	err := s.store.RevokeInvitation(ctx, workspaceID, invitationID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Invitation not found", nil)
	}
	return err
}

// AcceptInvitation turns a pending invitation into a membership. The
// invitation must be addressed to the signed-in user's email.
func (s *Service) AcceptInvitation(ctx context.Context, session Session, token string) (store.Workspace, error) {
	invitation, err := s.store.GetInvitationByToken(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Workspace{}, domainError(http.StatusNotFound, "NOT_FOUND", "Invitation not found", nil)
	}
	if err != nil {
		return store.Workspace{}, err
	}
	if invitation.Status != store.InvitationPending {
		return store.Workspace{}, domainError(http.StatusGone, "INVITE_NOT_PENDING", "Invitation is no longer valid", nil)
	}
	if time.Now().After(invitation.ExpiresAt) {
		return store.Workspace{}, domainError(http.StatusGone, "INVITE_EXPIRED", "Invitation has expired", nil)
	}
	if !strings.EqualFold(invitation.Email, session.Email) {
		return store.Workspace{}, domainError(http.StatusForbidden, "INVITE_EMAIL_MISMATCH", "Invitation was sent to a different email address", nil)
	}

	membership := store.Membership{
		ID:          util.NewID("mem"),
		WorkspaceID: invitation.WorkspaceID,
		UserID:      session.UserID,
		Role:        invitation.Role,
	}
	if err := s.store.InsertMembership(ctx, membership); err != nil {
		return store.Workspace{}, err
	}
	if err := s.store.MarkInvitationAccepted(ctx, invitation.ID, session.UserID); err != nil {
		return store.Workspace{}, err
	}
	return s.store.GetWorkspace(ctx, invitation.WorkspaceID)
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
