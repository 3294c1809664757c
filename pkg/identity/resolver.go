// Package identity resolves customer identity across fragmented contact
// records. Each resolve matches the supplied email/phone against stored
// contacts, merges clusters that turn out to be the same person (oldest
// primary wins), records genuinely new attribute combinations as secondaries,
// and returns the consolidated view of the final cluster.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Resolver implements the read-match-merge-write sequence over a ContactStore.
type Resolver struct {
	logger    ectologger.Logger
	store     ContactStore
	emitter   EventEmitter     // optional
	projector ClusterProjector // optional
}

// NewResolver creates a new identity resolver. emitter and projector may be
// nil; they are post-commit side channels, not part of the algorithm.
func NewResolver(logger ectologger.Logger, store ContactStore, emitter EventEmitter, projector ClusterProjector) *Resolver {
	return &Resolver{
		logger:    logger,
		store:     store,
		emitter:   emitter,
		projector: projector,
	}
}

// changeSet records what a resolve mutated, for post-commit notification.
type changeSet struct {
	created      *models.Contact
	canonicalID  string
	demotedIDs   []string
	finalCluster []models.Contact
}

// Resolve determines which identity cluster the supplied attributes belong to,
// merging and extending clusters as needed, and returns the consolidated
// identity. At least one of email, phoneNumber must be non-empty.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, email, phoneNumber string) (*models.ConsolidatedIdentity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Resolver.Resolve")
	defer span.End()

	emailPtr := optional(email)
	phonePtr := optional(phoneNumber)
	if emailPtr == nil && phonePtr == nil {
		return nil, ErrInvalidInput
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{"tenant_id": tenantID})

	var result *models.ConsolidatedIdentity
	var changes changeSet
	err := r.store.WithClusterLock(ctx, lockKeys(tenantID, emailPtr, phonePtr), func(ctx context.Context) error {
		var err error
		result, changes, err = r.resolveLocked(ctx, tenantID, emailPtr, phonePtr)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(map[string]any{
		"primary_contact_id": result.PrimaryContactID,
		"secondary_count":    len(result.SecondaryContactIDs),
	}).Debug("Resolved identity")

	r.notify(ctx, tenantID, changes)
	return result, nil
}

// resolveLocked runs the seven algorithm steps. It must be called with the
// cluster lock held; every store call inside shares the lock's scope.
func (r *Resolver) resolveLocked(ctx context.Context, tenantID string, email, phone *string) (*models.ConsolidatedIdentity, changeSet, error) {
	log := r.logger.WithContext(ctx).WithFields(map[string]any{"tenant_id": tenantID})

	// Step 1: direct match on the supplied fields.
	matched, err := r.store.FindByEmailOrPhone(ctx, tenantID, email, phone)
	if err != nil {
		return nil, changeSet{}, err
	}

	// Step 2: expand to the full closure of the matched ids.
	var working []models.Contact
	if len(matched) > 0 {
		ids := make([]string, 0, len(matched))
		for _, c := range matched {
			ids = append(ids, c.ID)
		}
		working, err = r.store.FindByIDOrLinkedID(ctx, tenantID, ids)
		if err != nil {
			return nil, changeSet{}, err
		}
	}

	// Step 3: nothing matched, start a brand-new cluster.
	if len(working) == 0 {
		created, err := r.store.Create(ctx, tenantID, models.CreateContactParams{
			Email:          email,
			PhoneNumber:    phone,
			LinkPrecedence: models.LinkPrecedencePrimary,
		})
		if err != nil {
			return nil, changeSet{}, err
		}
		log.WithFields(map[string]any{"id": created.ID}).Info("Created new primary contact")

		cluster := []models.Contact{*created}
		return consolidate(created.ID, cluster), changeSet{
			created:      created,
			canonicalID:  created.ID,
			finalCluster: cluster,
		}, nil
	}

	// Step 4: the canonical primary is the oldest primary in the working set.
	var primaries []models.Contact
	for _, c := range working {
		if c.IsPrimary() {
			primaries = append(primaries, c)
		}
	}

	var canonical models.Contact
	if len(primaries) > 0 {
		canonical = primaries[0] // working set is ordered oldest first
	} else {
		// Entirely-secondary working set: a pre-merged cluster matched through
		// one of its secondaries. Follow the link to its primary.
		member := working[0]
		if member.LinkedID == nil {
			log.WithFields(map[string]any{"id": member.ID}).Error("Secondary contact has no linked_id")
			return nil, changeSet{}, newDataInconsistencyError(member.ID)
		}
		primary, err := r.store.FindByID(ctx, tenantID, *member.LinkedID)
		if err != nil {
			return nil, changeSet{}, err
		}
		if primary == nil || !primary.IsPrimary() {
			log.WithFields(map[string]any{"id": member.ID, "linked_id": *member.LinkedID}).Error("Secondary contact links to a missing or non-primary contact")
			return nil, changeSet{}, newDataInconsistencyError(member.ID)
		}
		canonical = *primary
	}

	// Step 5: merge. Demote every other primary, and re-point any member still
	// linked elsewhere straight at the canonical primary so secondaries never
	// chain through a demoted record.
	changes := changeSet{canonicalID: canonical.ID}
	for _, c := range working {
		if c.ID == canonical.ID {
			continue
		}
		if c.IsPrimary() {
			if err := r.store.Update(ctx, tenantID, c.ID, models.LinkPrecedenceSecondary, &canonical.ID); err != nil {
				return nil, changeSet{}, err
			}
			changes.demotedIDs = append(changes.demotedIDs, c.ID)
			continue
		}
		if c.LinkedID == nil || *c.LinkedID != canonical.ID {
			if err := r.store.Update(ctx, tenantID, c.ID, models.LinkPrecedenceSecondary, &canonical.ID); err != nil {
				return nil, changeSet{}, err
			}
		}
	}

	// Step 6: record the supplied pair as a new secondary when it carries new
	// information about this identity, unless an identical row already exists
	// anywhere in the store (guards repeated identical requests).
	fullMatch := false
	emailSeen := false
	phoneSeen := false
	for _, c := range working {
		matchesEmail := email == nil || equalValue(c.Email, email)
		matchesPhone := phone == nil || equalValue(c.PhoneNumber, phone)
		if matchesEmail && matchesPhone {
			fullMatch = true
		}
		if email != nil && equalValue(c.Email, email) {
			emailSeen = true
		}
		if phone != nil && equalValue(c.PhoneNumber, phone) {
			phoneSeen = true
		}
	}

	if !fullMatch && (emailSeen || phoneSeen) {
		existing, err := r.store.FindExact(ctx, tenantID, email, phone)
		if err != nil {
			return nil, changeSet{}, err
		}
		if existing == nil {
			created, err := r.store.Create(ctx, tenantID, models.CreateContactParams{
				Email:          email,
				PhoneNumber:    phone,
				LinkPrecedence: models.LinkPrecedenceSecondary,
				LinkedID:       &canonical.ID,
			})
			if err != nil {
				return nil, changeSet{}, err
			}
			log.WithFields(map[string]any{"id": created.ID, "primary_contact_id": canonical.ID}).Info("Created secondary contact")
			changes.created = created
		}
	}

	// Step 7: re-fetch the final cluster and assemble the consolidated view.
	cluster, err := r.store.FindCluster(ctx, tenantID, canonical.ID)
	if err != nil {
		return nil, changeSet{}, err
	}
	changes.finalCluster = cluster

	return consolidate(canonical.ID, cluster), changes, nil
}

// GetIdentity returns the consolidated identity for the cluster containing the
// given contact. Read-only; performs no merges or inserts.
func (r *Resolver) GetIdentity(ctx context.Context, tenantID string, contactID string) (*models.ConsolidatedIdentity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Resolver.GetIdentity")
	defer span.End()

	contact, err := r.store.FindByID(ctx, tenantID, contactID)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		return nil, nil
	}

	primaryID := contact.ID
	if !contact.IsPrimary() {
		if contact.LinkedID == nil {
			return nil, newDataInconsistencyError(contact.ID)
		}
		primary, err := r.store.FindByID(ctx, tenantID, *contact.LinkedID)
		if err != nil {
			return nil, err
		}
		if primary == nil || !primary.IsPrimary() {
			return nil, newDataInconsistencyError(contact.ID)
		}
		primaryID = primary.ID
	}

	cluster, err := r.store.FindCluster(ctx, tenantID, primaryID)
	if err != nil {
		return nil, err
	}
	return consolidate(primaryID, cluster), nil
}

// notify publishes lifecycle events and refreshes the graph projection after a
// mutating resolve. Failures here never fail the resolve itself.
func (r *Resolver) notify(ctx context.Context, tenantID string, changes changeSet) {
	mutated := changes.created != nil || len(changes.demotedIDs) > 0

	if r.emitter != nil {
		if c := changes.created; c != nil {
			var err error
			if c.IsPrimary() {
				err = r.emitter.EmitContactCreated(ctx, c)
			} else {
				err = r.emitter.EmitContactLinked(ctx, c, changes.canonicalID)
			}
			if err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": c.ID}).Warn("Failed to emit contact event")
			}
		}
		if len(changes.demotedIDs) > 0 {
			if err := r.emitter.EmitClusterMerged(ctx, tenantID, changes.canonicalID, changes.demotedIDs); err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"primary_contact_id": changes.canonicalID}).Warn("Failed to emit cluster merged event")
			}
		}
	}

	if r.projector != nil && mutated {
		if err := r.projector.ProjectCluster(ctx, tenantID, changes.finalCluster); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"primary_contact_id": changes.canonicalID}).Warn("Failed to project cluster to graph")
		}
	}
}

// consolidate derives the caller-facing identity from a cluster ordered oldest
// first. Emails and phone numbers keep first-occurrence order.
func consolidate(primaryID string, cluster []models.Contact) *models.ConsolidatedIdentity {
	identity := &models.ConsolidatedIdentity{
		PrimaryContactID:    primaryID,
		Emails:              []string{},
		PhoneNumbers:        []string{},
		SecondaryContactIDs: []string{},
	}

	seenEmails := make(map[string]struct{})
	seenPhones := make(map[string]struct{})
	for _, c := range cluster {
		if c.Email != nil {
			if _, ok := seenEmails[*c.Email]; !ok {
				seenEmails[*c.Email] = struct{}{}
				identity.Emails = append(identity.Emails, *c.Email)
			}
		}
		if c.PhoneNumber != nil {
			if _, ok := seenPhones[*c.PhoneNumber]; !ok {
				seenPhones[*c.PhoneNumber] = struct{}{}
				identity.PhoneNumbers = append(identity.PhoneNumbers, *c.PhoneNumber)
			}
		}
		if c.ID != primaryID {
			identity.SecondaryContactIDs = append(identity.SecondaryContactIDs, c.ID)
		}
	}
	return identity
}

// lockKeys derives the mutual-exclusion keys for a resolve. Email keys are
// lowercased so differently-cased requests for the same address serialize.
func lockKeys(tenantID string, email, phone *string) []string {
	var keys []string
	if email != nil {
		keys = append(keys, fmt.Sprintf("%s|email:%s", tenantID, strings.ToLower(*email)))
	}
	if phone != nil {
		keys = append(keys, fmt.Sprintf("%s|phone:%s", tenantID, *phone))
	}
	return keys
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func equalValue(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}
