package contact

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const contactColumns = "id, tenant_id, email, phone_number, link_precedence, linked_id, created_at, updated_at"

// Repository handles contact persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new contact repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// WithClusterLock runs fn inside a transaction holding advisory locks for the
// given identifier keys. The locks serialize concurrent resolves that touch
// overlapping identifiers; they are transaction-scoped, so commit and rollback
// both release them. All repository calls made with the context passed to fn
// run on the same transaction.
func (r *Repository) WithClusterLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.WithClusterLock")
	defer span.End()

	txCtx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to begin resolve transaction")
		return httperror.NewHTTPError(http.StatusInternalServerError, "contact store unavailable")
	}
	// Rollback with the outer context is a no-op once Commit has run.
	defer func() { _ = tx.Rollback(ctx) }()

	if err := database.AcquireAdvisoryLocks(txCtx, tx, keys); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"keys": keys}).Error("Failed to acquire cluster locks")
		return httperror.NewHTTPError(http.StatusInternalServerError, "contact store unavailable")
	}

	if err := fn(txCtx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "contact store unavailable")
	}
	return nil
}

// FindByEmailOrPhone returns all contacts matching the supplied email or phone
// number. Only the clauses for supplied fields participate in the OR. Results
// are ordered oldest first, id as the deterministic tie-break.
func (r *Repository) FindByEmailOrPhone(ctx context.Context, tenantID string, email, phone *string) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByEmailOrPhone")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(contactColumns)
	sb.From("contacts")

	matches := []string{}
	if email != nil {
		matches = append(matches, sb.Equal("email", *email))
	}
	if phone != nil {
		matches = append(matches, sb.Equal("phone_number", *phone))
	}
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Or(matches...),
	)
	sb.OrderBy("created_at", "id")

	query, args := sb.Build()
	var contacts []models.Contact
	if err := r.querier(ctx).SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID}).Error("Failed to find contacts by email or phone")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find contacts")
	}
	return contacts, nil
}

// FindByIDOrLinkedID returns the closure of contacts whose id or linked_id is
// in the given set, ordered oldest first. This covers matched primaries,
// matched secondaries, and siblings of matched secondaries.
func (r *Repository) FindByIDOrLinkedID(ctx context.Context, tenantID string, ids []string) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByIDOrLinkedID")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(contactColumns)
	sb.From("contacts")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Or(
			sb.In("id", sqlbuilder.Flatten(ids)...),
			sb.In("linked_id", sqlbuilder.Flatten(ids)...),
		),
	)
	sb.OrderBy("created_at", "id")

	query, args := sb.Build()
	var contacts []models.Contact
	if err := r.querier(ctx).SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "ids": ids}).Error("Failed to find linked contacts")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find contacts")
	}
	return contacts, nil
}

// FindByID retrieves a contact by ID. Returns nil when no contact exists.
func (r *Repository) FindByID(ctx context.Context, tenantID string, id string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(contactColumns)
	sb.From("contacts")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var contact models.Contact
	if err := r.querier(ctx).GetContext(ctx, &contact, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "id": id}).Error("Failed to get contact")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get contact")
	}
	return &contact, nil
}

// FindExact returns a contact whose email AND phone number both equal the
// supplied values, a missing field matching only NULL. Returns nil when no such
// row exists anywhere in the store. Used for duplicate suppression.
func (r *Repository) FindExact(ctx context.Context, tenantID string, email, phone *string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindExact")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(contactColumns)
	sb.From("contacts")

	where := []string{sb.Equal("tenant_id", tenantID)}
	if email != nil {
		where = append(where, sb.Equal("email", *email))
	} else {
		where = append(where, sb.IsNull("email"))
	}
	if phone != nil {
		where = append(where, sb.Equal("phone_number", *phone))
	} else {
		where = append(where, sb.IsNull("phone_number"))
	}
	sb.Where(where...)
	sb.OrderBy("created_at", "id")
	sb.Limit(1)

	query, args := sb.Build()
	var contact models.Contact
	if err := r.querier(ctx).GetContext(ctx, &contact, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID}).Error("Failed to find exact contact")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find contact")
	}
	return &contact, nil
}

// Create inserts a new contact. The store assigns id and timestamps.
func (r *Repository) Create(ctx context.Context, tenantID string, params models.CreateContactParams) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Create")
	defer span.End()

	now := time.Now().UTC()
	contact := models.Contact{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Email:          params.Email,
		PhoneNumber:    params.PhoneNumber,
		LinkPrecedence: params.LinkPrecedence,
		LinkedID:       params.LinkedID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("contacts")
	ib.Cols("id", "tenant_id", "email", "phone_number", "link_precedence", "linked_id", "created_at", "updated_at")
	ib.Values(contact.ID, contact.TenantID, contact.Email, contact.PhoneNumber, contact.LinkPrecedence, contact.LinkedID, contact.CreatedAt, contact.UpdatedAt)

	query, args := ib.Build()
	if _, err := r.querier(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "id": contact.ID}).Error("Failed to create contact")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create contact")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": contact.ID, "link_precedence": contact.LinkPrecedence}).Info("Created contact")
	return &contact, nil
}

// Update rewrites a contact's link precedence and linked id. Demoting a
// superseded primary to secondary is the only mutation the resolver performs;
// email, phone number and created_at are immutable.
func (r *Repository) Update(ctx context.Context, tenantID string, id string, precedence models.LinkPrecedence, linkedID *string) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Update")
	defer span.End()

	now := time.Now().UTC()
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("contacts")
	ub.Set(
		ub.Assign("link_precedence", precedence),
		ub.Assign("linked_id", linkedID),
		ub.Assign("updated_at", now),
	)
	ub.Where(
		ub.Equal("tenant_id", tenantID),
		ub.Equal("id", id),
	)

	query, args := ub.Build()
	result, err := r.querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "id": id}).Error("Failed to update contact link")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update contact")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "contact %s not found", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": id, "link_precedence": precedence}).Info("Updated contact link")
	return nil
}

// FindCluster returns the primary contact and every secondary linked to it,
// ordered oldest first.
func (r *Repository) FindCluster(ctx context.Context, tenantID string, primaryID string) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindCluster")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(contactColumns)
	sb.From("contacts")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Or(
			sb.Equal("id", primaryID),
			sb.Equal("linked_id", primaryID),
		),
	)
	sb.OrderBy("created_at", "id")

	query, args := sb.Build()
	var contacts []models.Contact
	if err := r.querier(ctx).SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"tenant_id": tenantID, "primary_id": primaryID}).Error("Failed to find cluster")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find cluster")
	}
	return contacts, nil
}

func (r *Repository) querier(ctx context.Context) database.Querier {
	return database.QuerierFromContext(ctx, r.db)
}
