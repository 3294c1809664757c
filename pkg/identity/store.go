package identity

import (
	"context"

	"github.com/Ramsey-B/clover/pkg/models"
)

// ContactStore is the persistence contract the resolver runs against. It is
// satisfied by the contact repository; tests substitute an in-memory store.
type ContactStore interface {
	// WithClusterLock runs fn under mutual exclusion for the given identifier
	// keys, covering the whole read-match-merge-write sequence. Implementations
	// must release the scope on every exit path, error paths included.
	WithClusterLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error

	FindByEmailOrPhone(ctx context.Context, tenantID string, email, phone *string) ([]models.Contact, error)
	FindByIDOrLinkedID(ctx context.Context, tenantID string, ids []string) ([]models.Contact, error)
	FindByID(ctx context.Context, tenantID string, id string) (*models.Contact, error)
	FindExact(ctx context.Context, tenantID string, email, phone *string) (*models.Contact, error)
	Create(ctx context.Context, tenantID string, params models.CreateContactParams) (*models.Contact, error)
	Update(ctx context.Context, tenantID string, id string, precedence models.LinkPrecedence, linkedID *string) error
	FindCluster(ctx context.Context, tenantID string, primaryID string) ([]models.Contact, error)
}

// EventEmitter publishes contact lifecycle events after a resolve mutates the
// store. Emission is best-effort; the resolver logs failures and moves on.
type EventEmitter interface {
	EmitContactCreated(ctx context.Context, contact *models.Contact) error
	EmitContactLinked(ctx context.Context, contact *models.Contact, primaryID string) error
	EmitClusterMerged(ctx context.Context, tenantID string, primaryID string, demotedIDs []string) error
}

// ClusterProjector mirrors the final state of a cluster into a secondary read
// store (the graph projection). Also best-effort.
type ClusterProjector interface {
	ProjectCluster(ctx context.Context, tenantID string, cluster []models.Contact) error
}
