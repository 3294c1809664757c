package identity

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
)

const testTenant = "tenant-1"

// fakeStore is an in-memory ContactStore mirroring the repository's contracts:
// oldest-first ordering, NULL-exact matching, closure expansion.
type fakeStore struct {
	mu       sync.Mutex
	contacts []models.Contact
	seq      int
	clock    time.Time
	lockKeys [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *fakeStore) WithClusterLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	s.lockKeys = append(s.lockKeys, keys)
	s.mu.Unlock()
	return fn(ctx)
}

// seed inserts a contact with an assigned id and monotonically increasing
// timestamp, bypassing the resolver.
func (s *fakeStore) seed(email, phone *string, precedence models.LinkPrecedence, linkedID *string) models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(testTenant, email, phone, precedence, linkedID)
}

func (s *fakeStore) insert(tenantID string, email, phone *string, precedence models.LinkPrecedence, linkedID *string) models.Contact {
	s.seq++
	s.clock = s.clock.Add(time.Minute)
	contact := models.Contact{
		ID:             fmt.Sprintf("c%03d", s.seq),
		TenantID:       tenantID,
		Email:          email,
		PhoneNumber:    phone,
		LinkPrecedence: precedence,
		LinkedID:       linkedID,
		CreatedAt:      s.clock,
		UpdatedAt:      s.clock,
	}
	s.contacts = append(s.contacts, contact)
	return contact
}

func (s *fakeStore) get(id string) models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.ID == id {
			return c
		}
	}
	return models.Contact{}
}

func sortOldestFirst(contacts []models.Contact) {
	sort.Slice(contacts, func(i, j int) bool {
		if contacts[i].CreatedAt.Equal(contacts[j].CreatedAt) {
			return contacts[i].ID < contacts[j].ID
		}
		return contacts[i].CreatedAt.Before(contacts[j].CreatedAt)
	})
}

func (s *fakeStore) FindByEmailOrPhone(ctx context.Context, tenantID string, email, phone *string) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Contact
	for _, c := range s.contacts {
		if c.TenantID != tenantID {
			continue
		}
		emailMatch := email != nil && c.Email != nil && *c.Email == *email
		phoneMatch := phone != nil && c.PhoneNumber != nil && *c.PhoneNumber == *phone
		if emailMatch || phoneMatch {
			out = append(out, c)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (s *fakeStore) FindByIDOrLinkedID(ctx context.Context, tenantID string, ids []string) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	var out []models.Contact
	for _, c := range s.contacts {
		if c.TenantID != tenantID {
			continue
		}
		if _, ok := set[c.ID]; ok {
			out = append(out, c)
			continue
		}
		if c.LinkedID != nil {
			if _, ok := set[*c.LinkedID]; ok {
				out = append(out, c)
			}
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (s *fakeStore) FindByID(ctx context.Context, tenantID string, id string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.TenantID == tenantID && c.ID == id {
			found := c
			return &found, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) FindExact(ctx context.Context, tenantID string, email, phone *string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	equal := func(a, b *string) bool {
		if a == nil || b == nil {
			return a == nil && b == nil
		}
		return *a == *b
	}
	for _, c := range s.contacts {
		if c.TenantID == tenantID && equal(c.Email, email) && equal(c.PhoneNumber, phone) {
			found := c
			return &found, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Create(ctx context.Context, tenantID string, params models.CreateContactParams) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contact := s.insert(tenantID, params.Email, params.PhoneNumber, params.LinkPrecedence, params.LinkedID)
	return &contact, nil
}

func (s *fakeStore) Update(ctx context.Context, tenantID string, id string, precedence models.LinkPrecedence, linkedID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.contacts {
		if s.contacts[i].TenantID == tenantID && s.contacts[i].ID == id {
			s.contacts[i].LinkPrecedence = precedence
			s.contacts[i].LinkedID = linkedID
			s.contacts[i].UpdatedAt = s.clock
			return nil
		}
	}
	return httperror.NewHTTPErrorf(http.StatusNotFound, "contact %s not found", id)
}

func (s *fakeStore) FindCluster(ctx context.Context, tenantID string, primaryID string) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Contact
	for _, c := range s.contacts {
		if c.TenantID != tenantID {
			continue
		}
		if c.ID == primaryID || (c.LinkedID != nil && *c.LinkedID == primaryID) {
			out = append(out, c)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

type emittedEvent struct {
	kind      string
	contactID string
	primaryID string
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (e *fakeEmitter) EmitContactCreated(ctx context.Context, contact *models.Contact) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emittedEvent{kind: "created", contactID: contact.ID, primaryID: contact.ID})
	return nil
}

func (e *fakeEmitter) EmitContactLinked(ctx context.Context, contact *models.Contact, primaryID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emittedEvent{kind: "linked", contactID: contact.ID, primaryID: primaryID})
	return nil
}

func (e *fakeEmitter) EmitClusterMerged(ctx context.Context, tenantID string, primaryID string, demotedIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emittedEvent{kind: "merged", primaryID: primaryID})
	return nil
}

func newTestResolver(store *fakeStore, emitter EventEmitter) *Resolver {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewResolver(logger, store, emitter, nil)
}

func strPtr(s string) *string { return &s }

func TestResolve_RequiresAtLeastOneIdentifier(t *testing.T) {
	resolver := newTestResolver(newFakeStore(), nil)

	_, err := resolver.Resolve(context.Background(), testTenant, "", "")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = resolver.Resolve(context.Background(), testTenant, "   ", "  ")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestResolve_CreatesNewPrimaryWhenNothingMatches(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	resolver := newTestResolver(store, emitter)

	identity, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0100")
	require.NoError(t, err)

	assert.Equal(t, []string{"ada@example.com"}, identity.Emails)
	assert.Equal(t, []string{"555-0100"}, identity.PhoneNumbers)
	assert.Empty(t, identity.SecondaryContactIDs)

	created := store.get(identity.PrimaryContactID)
	assert.Equal(t, models.LinkPrecedencePrimary, created.LinkPrecedence)
	assert.Nil(t, created.LinkedID)

	require.Len(t, emitter.events, 1)
	assert.Equal(t, "created", emitter.events[0].kind)
}

func TestResolve_RepeatedIdenticalRequestIsIdempotent(t *testing.T) {
	store := newFakeStore()
	resolver := newTestResolver(store, nil)

	first, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0100")
	require.NoError(t, err)

	second, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0100")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, store.contacts, 1)
}

func TestResolve_SubsetRequestCreatesNothing(t *testing.T) {
	store := newFakeStore()
	resolver := newTestResolver(store, nil)

	_, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0100")
	require.NoError(t, err)

	// Email only, already known on a contact that full-matches the request.
	identity, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "")
	require.NoError(t, err)

	assert.Len(t, store.contacts, 1)
	assert.Equal(t, []string{"ada@example.com"}, identity.Emails)
	assert.Equal(t, []string{"555-0100"}, identity.PhoneNumbers)
}

func TestResolve_PartialMatchCreatesSecondary(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	resolver := newTestResolver(store, emitter)

	first, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0100")
	require.NoError(t, err)

	// Same email, new phone: new information about the same identity.
	second, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0200")
	require.NoError(t, err)

	assert.Equal(t, first.PrimaryContactID, second.PrimaryContactID)
	assert.Equal(t, []string{"ada@example.com"}, second.Emails)
	assert.Equal(t, []string{"555-0100", "555-0200"}, second.PhoneNumbers)
	require.Len(t, second.SecondaryContactIDs, 1)

	secondary := store.get(second.SecondaryContactIDs[0])
	assert.Equal(t, models.LinkPrecedenceSecondary, secondary.LinkPrecedence)
	require.NotNil(t, secondary.LinkedID)
	assert.Equal(t, first.PrimaryContactID, *secondary.LinkedID)

	require.Len(t, emitter.events, 2)
	assert.Equal(t, "linked", emitter.events[1].kind)
	assert.Equal(t, first.PrimaryContactID, emitter.events[1].primaryID)
}

func TestResolve_MergesTwoClustersOldestPrimaryWins(t *testing.T) {
	store := newFakeStore()
	emitter := &fakeEmitter{}
	resolver := newTestResolver(store, emitter)

	older, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0100")
	require.NoError(t, err)
	newer, err := resolver.Resolve(context.Background(), testTenant, "grace@example.com", "555-0200")
	require.NoError(t, err)

	// Bridges both clusters: ada's email with grace's phone.
	merged, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0200")
	require.NoError(t, err)

	assert.Equal(t, older.PrimaryContactID, merged.PrimaryContactID)
	assert.Equal(t, []string{"ada@example.com", "grace@example.com"}, merged.Emails)
	assert.Equal(t, []string{"555-0100", "555-0200"}, merged.PhoneNumbers)

	demoted := store.get(newer.PrimaryContactID)
	assert.Equal(t, models.LinkPrecedenceSecondary, demoted.LinkPrecedence)
	require.NotNil(t, demoted.LinkedID)
	assert.Equal(t, older.PrimaryContactID, *demoted.LinkedID)
	assert.Contains(t, merged.SecondaryContactIDs, newer.PrimaryContactID)

	var kinds []string
	for _, ev := range emitter.events {
		kinds = append(kinds, ev.kind)
	}
	assert.Contains(t, kinds, "merged")
}

func TestResolve_MergeRepointsSecondariesOfDemotedPrimary(t *testing.T) {
	store := newFakeStore()
	resolver := newTestResolver(store, nil)

	_, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0100")
	require.NoError(t, err)

	newer, err := resolver.Resolve(context.Background(), testTenant, "grace@example.com", "555-0200")
	require.NoError(t, err)
	// Give the newer cluster a secondary of its own.
	grown, err := resolver.Resolve(context.Background(), testTenant, "grace@example.com", "555-0300")
	require.NoError(t, err)
	require.Len(t, grown.SecondaryContactIDs, 1)
	orphanCandidate := grown.SecondaryContactIDs[0]

	merged, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0200")
	require.NoError(t, err)

	// Every secondary must link directly to the surviving primary, never
	// through the demoted one.
	repointed := store.get(orphanCandidate)
	require.NotNil(t, repointed.LinkedID)
	assert.Equal(t, merged.PrimaryContactID, *repointed.LinkedID)

	demoted := store.get(newer.PrimaryContactID)
	require.NotNil(t, demoted.LinkedID)
	assert.Equal(t, merged.PrimaryContactID, *demoted.LinkedID)

	for _, c := range store.contacts {
		if c.LinkPrecedence == models.LinkPrecedenceSecondary {
			require.NotNil(t, c.LinkedID)
			assert.Equal(t, merged.PrimaryContactID, *c.LinkedID)
		}
	}
}

func TestResolve_MatchThroughSecondaryFindsPrimary(t *testing.T) {
	store := newFakeStore()
	resolver := newTestResolver(store, nil)

	first, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0100")
	require.NoError(t, err)
	second, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0200")
	require.NoError(t, err)
	require.Len(t, second.SecondaryContactIDs, 1)

	// Request matching only the secondary's phone.
	identity, err := resolver.Resolve(context.Background(), testTenant, "", "555-0200")
	require.NoError(t, err)

	assert.Equal(t, first.PrimaryContactID, identity.PrimaryContactID)
	assert.Len(t, store.contacts, 2)
}

func TestResolve_AllSecondaryWorkingSetFollowsLink(t *testing.T) {
	store := newFakeStore()
	resolver := newTestResolver(store, nil)

	primary := store.seed(strPtr("ada@example.com"), strPtr("555-0100"), models.LinkPrecedencePrimary, nil)
	store.seed(strPtr("ada@work.example.com"), strPtr("555-0200"), models.LinkPrecedenceSecondary, &primary.ID)

	// Matches only the secondary; the working-set closure brings in the primary
	// via linked_id, but even a direct secondary-only hit must resolve.
	identity, err := resolver.Resolve(context.Background(), testTenant, "ada@work.example.com", "555-0200")
	require.NoError(t, err)

	assert.Equal(t, primary.ID, identity.PrimaryContactID)
	assert.Equal(t, []string{"ada@example.com", "ada@work.example.com"}, identity.Emails)
	assert.Len(t, store.contacts, 2)
}

func TestResolve_DuplicateRowAnywhereSuppressesInsert(t *testing.T) {
	store := newFakeStore()
	resolver := newTestResolver(store, nil)

	primary := store.seed(strPtr("ada@example.com"), strPtr("555-0100"), models.LinkPrecedencePrimary, nil)
	// An identical pair already recorded as a secondary.
	store.seed(strPtr("ada@example.com"), strPtr("555-0200"), models.LinkPrecedenceSecondary, &primary.ID)

	identity, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0200")
	require.NoError(t, err)

	assert.Equal(t, primary.ID, identity.PrimaryContactID)
	assert.Len(t, store.contacts, 2)
}

func TestResolve_SecondaryWithoutLinkIsDataInconsistency(t *testing.T) {
	store := newFakeStore()
	resolver := newTestResolver(store, nil)

	store.seed(strPtr("broken@example.com"), nil, models.LinkPrecedenceSecondary, nil)

	_, err := resolver.Resolve(context.Background(), testTenant, "broken@example.com", "")
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusInternalServerError, httperror.GetStatusCode(err))
}

func TestResolve_TenantsAreIsolated(t *testing.T) {
	store := newFakeStore()
	resolver := newTestResolver(store, nil)

	_, err := resolver.Resolve(context.Background(), testTenant, "ada@example.com", "555-0100")
	require.NoError(t, err)

	other, err := resolver.Resolve(context.Background(), "tenant-2", "ada@example.com", "555-0100")
	require.NoError(t, err)

	// Same attributes in another tenant form an independent cluster.
	assert.Len(t, store.contacts, 2)
	assert.Empty(t, other.SecondaryContactIDs)
}

func TestResolve_LockKeysCoverSuppliedIdentifiers(t *testing.T) {
	store := newFakeStore()
	resolver := newTestResolver(store, nil)

	_, err := resolver.Resolve(context.Background(), testTenant, "Ada@Example.com", "555-0100")
	require.NoError(t, err)

	require.Len(t, store.lockKeys, 1)
	assert.Equal(t, []string{
		testTenant + "|email:ada@example.com",
		testTenant + "|phone:555-0100",
	}, store.lockKeys[0])
}

func TestGetIdentity_ResolvesThroughSecondary(t *testing.T) {
	store := newFakeStore()
	resolver := newTestResolver(store, nil)

	primary := store.seed(strPtr("ada@example.com"), strPtr("555-0100"), models.LinkPrecedencePrimary, nil)
	secondary := store.seed(strPtr("ada@work.example.com"), nil, models.LinkPrecedenceSecondary, &primary.ID)

	identity, err := resolver.GetIdentity(context.Background(), testTenant, secondary.ID)
	require.NoError(t, err)
	require.NotNil(t, identity)

	assert.Equal(t, primary.ID, identity.PrimaryContactID)
	assert.Equal(t, []string{"ada@example.com", "ada@work.example.com"}, identity.Emails)
	assert.Equal(t, []string{secondary.ID}, identity.SecondaryContactIDs)
}

func TestGetIdentity_UnknownContactReturnsNil(t *testing.T) {
	resolver := newTestResolver(newFakeStore(), nil)

	identity, err := resolver.GetIdentity(context.Background(), testTenant, "missing")
	require.NoError(t, err)
	assert.Nil(t, identity)
}

func TestConsolidate_FirstSeenOrderAndDeduplication(t *testing.T) {
	now := time.Now().UTC()
	cluster := []models.Contact{
		{ID: "p1", Email: strPtr("a@example.com"), PhoneNumber: strPtr("1"), LinkPrecedence: models.LinkPrecedencePrimary, CreatedAt: now},
		{ID: "s1", Email: strPtr("b@example.com"), PhoneNumber: strPtr("1"), LinkPrecedence: models.LinkPrecedenceSecondary, CreatedAt: now.Add(time.Minute)},
		{ID: "s2", Email: strPtr("a@example.com"), PhoneNumber: strPtr("2"), LinkPrecedence: models.LinkPrecedenceSecondary, CreatedAt: now.Add(2 * time.Minute)},
	}

	identity := consolidate("p1", cluster)

	assert.Equal(t, "p1", identity.PrimaryContactID)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, identity.Emails)
	assert.Equal(t, []string{"1", "2"}, identity.PhoneNumbers)
	assert.Equal(t, []string{"s1", "s2"}, identity.SecondaryContactIDs)
}
