package app

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"nct/api/internal/store"
)

// fakeStore is an in-memory dataStore, sessionStore, authpw.UserStore, and
// billing.SubscriptionStore rolled into one.
type fakeStore struct {
	mu sync.Mutex

	users       map[string]store.User
	workspaces  map[string]store.Workspace
	memberships []store.Membership
	invitations map[string]store.Invitation
	pillars     map[string]store.Pillar
	narratives  map[string]store.Narrative
	commitments map[string]store.Commitment
	tasks       map[string]store.Task
	plans       map[string]store.Plan
	subs        map[string]store.Subscription

	refresh map[string]refreshEntry
	revoked map[string]time.Time
	resets  map[string]string

	pingErr error
}

type refreshEntry struct {
	userID    string
	expiresAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[string]store.User),
		workspaces:  make(map[string]store.Workspace),
		invitations: make(map[string]store.Invitation),
		pillars:     make(map[string]store.Pillar),
		narratives:  make(map[string]store.Narrative),
		commitments: make(map[string]store.Commitment),
		tasks:       make(map[string]store.Task),
		plans:       make(map[string]store.Plan),
		subs:        make(map[string]store.Subscription),
		refresh:     make(map[string]refreshEntry),
		revoked:     make(map[string]time.Time),
		resets:      make(map[string]string),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

// ---- users ----

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	f.users[userID] = user
	return nil
}

func (f *fakeStore) VerifyUserEmail(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, user := range f.users {
		if user.VerificationToken == token && token != "" {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			f.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token] = userID
	return nil
}

func (f *fakeStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resets, token)
	return nil
}

// ---- sessions ----

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = refreshEntry{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.refresh[tokenHash]
	if !ok || time.Now().After(entry.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	return f.users[entry.userID], nil
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = exp
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.revoked[jti]
	return ok, nil
}

// ---- workspaces & memberships ----

func (f *fakeStore) InsertWorkspace(ctx context.Context, workspace store.Workspace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	workspace.CreatedAt = time.Now()
	workspace.UpdatedAt = workspace.CreatedAt
	f.workspaces[workspace.ID] = workspace
	return nil
}

func (f *fakeStore) GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	workspace, ok := f.workspaces[workspaceID]
	if !ok {
		return store.Workspace{}, sql.ErrNoRows
	}
	return workspace, nil
}

func (f *fakeStore) UpdateWorkspace(ctx context.Context, workspaceID, name, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	workspace, ok := f.workspaces[workspaceID]
	if !ok {
		return sql.ErrNoRows
	}
	workspace.Name = name
	workspace.Slug = slug
	workspace.UpdatedAt = time.Now()
	f.workspaces[workspaceID] = workspace
	return nil
}

func (f *fakeStore) ListWorkspacesForUser(ctx context.Context, userID string) ([]store.WorkspaceWithRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.WorkspaceWithRole, 0)
	for _, membership := range f.memberships {
		if membership.UserID == userID {
			items = append(items, store.WorkspaceWithRole{
				Workspace: f.workspaces[membership.WorkspaceID],
				Role:      membership.Role,
			})
		}
	}
	return items, nil
}

func (f *fakeStore) InsertMembership(ctx context.Context, membership store.Membership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.memberships {
		if existing.WorkspaceID == membership.WorkspaceID && existing.UserID == membership.UserID {
			return nil
		}
	}
	membership.CreatedAt = time.Now()
	f.memberships = append(f.memberships, membership)
	return nil
}

func (f *fakeStore) GetMembership(ctx context.Context, workspaceID, userID string) (store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, membership := range f.memberships {
		if membership.WorkspaceID == workspaceID && membership.UserID == userID {
			return membership, nil
		}
	}
	return store.Membership{}, sql.ErrNoRows
}

func (f *fakeStore) FirstMembership(ctx context.Context, userID string) (store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, membership := range f.memberships {
		if membership.UserID == userID {
			return membership, nil
		}
	}
	return store.Membership{}, sql.ErrNoRows
}

func (f *fakeStore) ListMembers(ctx context.Context, workspaceID string) ([]store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Membership, 0)
	for _, membership := range f.memberships {
		if membership.WorkspaceID == workspaceID {
			if user, ok := f.users[membership.UserID]; ok {
				membership.UserName = user.DisplayName
				membership.UserEmail = user.Email
			}
			items = append(items, membership)
		}
	}
	return items, nil
}

func (f *fakeStore) UpdateMembershipRole(ctx context.Context, workspaceID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, membership := range f.memberships {
		if membership.WorkspaceID == workspaceID && membership.UserID == userID {
			f.memberships[i].Role = role
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) DeleteMembership(ctx context.Context, workspaceID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, membership := range f.memberships {
		if membership.WorkspaceID == workspaceID && membership.UserID == userID {
			f.memberships = append(f.memberships[:i], f.memberships[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) CountMembersWithRole(ctx context.Context, workspaceID, role string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, membership := range f.memberships {
		if membership.WorkspaceID == workspaceID && membership.Role == role {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) SeatUsage(ctx context.Context, workspaceID string) (store.SeatCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var counts store.SeatCounts
	for _, membership := range f.memberships {
		if membership.WorkspaceID != workspaceID {
			continue
		}
		switch membership.Role {
		case "editor":
			counts.Editors++
		case "viewer":
			counts.Viewers++
		}
	}
	for _, invitation := range f.invitations {
		if invitation.WorkspaceID != workspaceID || invitation.Status != store.InvitationPending || time.Now().After(invitation.ExpiresAt) {
			continue
		}
		switch invitation.Role {
		case "editor":
			counts.Editors++
		case "viewer":
			counts.Viewers++
		}
	}
	return counts, nil
}

// ---- invitations ----

func (f *fakeStore) InsertInvitation(ctx context.Context, invitation store.Invitation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	invitation.CreatedAt = time.Now()
	f.invitations[invitation.ID] = invitation
	return nil
}

func (f *fakeStore) GetInvitationByToken(ctx context.Context, token string) (store.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, invitation := range f.invitations {
		if invitation.Token == token {
			return invitation, nil
		}
	}
	return store.Invitation{}, sql.ErrNoRows
}

func (f *fakeStore) ListInvitations(ctx context.Context, workspaceID string) ([]store.Invitation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Invitation, 0)
	for _, invitation := range f.invitations {
		if invitation.WorkspaceID == workspaceID {
			items = append(items, invitation)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeStore) MarkInvitationAccepted(ctx context.Context, invitationID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	invitation, ok := f.invitations[invitationID]
	if !ok {
		return sql.ErrNoRows
	}
	invitation.Status = store.InvitationAccepted
	invitation.AcceptedBy = &userID
	f.invitations[invitationID] = invitation
	return nil
}

func (f *fakeStore) RevokeInvitation(ctx context.Context, workspaceID, invitationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	invitation, ok := f.invitations[invitationID]
	if !ok || invitation.WorkspaceID != workspaceID || invitation.Status != store.InvitationPending {
		return sql.ErrNoRows
	}
	invitation.Status = store.InvitationRevoked
	f.invitations[invitationID] = invitation
	return nil
}

// ---- pillars ----

func (f *fakeStore) ListPillars(ctx context.Context, workspaceID string) ([]store.Pillar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Pillar, 0)
	for _, item := range f.pillars {
		if item.WorkspaceID == workspaceID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeStore) GetPillar(ctx context.Context, workspaceID, pillarID string) (store.Pillar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.pillars[pillarID]
	if !ok || item.WorkspaceID != workspaceID {
		return store.Pillar{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) InsertPillar(ctx context.Context, item store.Pillar) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.pillars[item.ID] = item
	return nil
}

func (f *fakeStore) UpdatePillar(ctx context.Context, item store.Pillar) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.pillars[item.ID]
	if !ok || existing.WorkspaceID != item.WorkspaceID {
		return nil
	}
	item.CreatedAt = existing.CreatedAt
	item.OwnerID = existing.OwnerID
	item.UpdatedAt = time.Now()
	f.pillars[item.ID] = item
	return nil
}

func (f *fakeStore) DeletePillar(ctx context.Context, workspaceID, pillarID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.pillars[pillarID]; ok && item.WorkspaceID == workspaceID {
		delete(f.pillars, pillarID)
	}
	return nil
}

// ---- narratives ----

func (f *fakeStore) ListNarratives(ctx context.Context, workspaceID string) ([]store.Narrative, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Narrative, 0)
	for _, item := range f.narratives {
		if item.WorkspaceID == workspaceID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeStore) GetNarrative(ctx context.Context, workspaceID, narrativeID string) (store.Narrative, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.narratives[narrativeID]
	if !ok || item.WorkspaceID != workspaceID {
		return store.Narrative{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) InsertNarrative(ctx context.Context, item store.Narrative) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.narratives[item.ID] = item
	return nil
}

func (f *fakeStore) UpdateNarrative(ctx context.Context, item store.Narrative) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.narratives[item.ID]
	if !ok || existing.WorkspaceID != item.WorkspaceID {
		return nil
	}
	item.CreatedAt = existing.CreatedAt
	item.OwnerID = existing.OwnerID
	item.UpdatedAt = time.Now()
	f.narratives[item.ID] = item
	return nil
}

func (f *fakeStore) DeleteNarrative(ctx context.Context, workspaceID, narrativeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.narratives[narrativeID]; ok && item.WorkspaceID == workspaceID {
		delete(f.narratives, narrativeID)
	}
	return nil
}

// ---- commitments ----

func (f *fakeStore) ListCommitments(ctx context.Context, workspaceID string) ([]store.Commitment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Commitment, 0)
	for _, item := range f.commitments {
		if item.WorkspaceID == workspaceID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeStore) GetCommitment(ctx context.Context, workspaceID, commitmentID string) (store.Commitment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.commitments[commitmentID]
	if !ok || item.WorkspaceID != workspaceID {
		return store.Commitment{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) InsertCommitment(ctx context.Context, item store.Commitment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.commitments[item.ID] = item
	return nil
}

func (f *fakeStore) UpdateCommitment(ctx context.Context, item store.Commitment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.commitments[item.ID]
	if !ok || existing.WorkspaceID != item.WorkspaceID {
		return nil
	}
	item.CreatedAt = existing.CreatedAt
	item.OwnerID = existing.OwnerID
	item.UpdatedAt = time.Now()
	f.commitments[item.ID] = item
	return nil
}

func (f *fakeStore) DeleteCommitment(ctx context.Context, workspaceID, commitmentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.commitments[commitmentID]; ok && item.WorkspaceID == workspaceID {
		delete(f.commitments, commitmentID)
	}
	return nil
}

// ---- tasks ----

func (f *fakeStore) ListTasks(ctx context.Context, workspaceID string) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Task, 0)
	for _, item := range f.tasks {
		if item.WorkspaceID == workspaceID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeStore) GetTask(ctx context.Context, workspaceID, taskID string) (store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.tasks[taskID]
	if !ok || item.WorkspaceID != workspaceID {
		return store.Task{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) InsertTask(ctx context.Context, item store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.tasks[item.ID] = item
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, item store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.tasks[item.ID]
	if !ok || existing.WorkspaceID != item.WorkspaceID {
		return nil
	}
	item.CreatedAt = existing.CreatedAt
	item.OwnerID = existing.OwnerID
	item.UpdatedAt = time.Now()
	f.tasks[item.ID] = item
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, workspaceID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.tasks[taskID]; ok && item.WorkspaceID == workspaceID {
		delete(f.tasks, taskID)
	}
	return nil
}

// ---- billing ----

func (f *fakeStore) GetPlan(ctx context.Context, planID string) (store.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plan, ok := f.plans[planID]
	if !ok {
		return store.Plan{}, sql.ErrNoRows
	}
	return plan, nil
}

func (f *fakeStore) ListPlans(ctx context.Context) ([]store.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Plan, 0, len(f.plans))
	for _, plan := range f.plans {
		items = append(items, plan)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].PriceCents < items[j].PriceCents })
	return items, nil
}

func (f *fakeStore) GetSubscription(ctx context.Context, workspaceID string) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[workspaceID]
	if !ok {
		return store.Subscription{}, sql.ErrNoRows
	}
	return sub, nil
}

func (f *fakeStore) UpsertSubscription(ctx context.Context, sub store.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.WorkspaceID] = sub
	return nil
}

func (f *fakeStore) UpdateSubscriptionStatus(ctx context.Context, providerSubscriptionID, status string, periodEnd *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for workspaceID, sub := range f.subs {
		if sub.ProviderSubscriptionID == providerSubscriptionID {
			sub.Status = status
			if periodEnd != nil {
				sub.CurrentPeriodEnd = periodEnd
			}
			f.subs[workspaceID] = sub
			return nil
		}
	}
	return sql.ErrNoRows
}
