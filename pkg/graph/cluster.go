package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// ClusterService mirrors contact clusters into the graph database. Contacts
// become :Contact nodes and secondaries get a LINKED_TO edge to their primary,
// which makes cluster traversal queries trivial in Cypher.
type ClusterService struct {
	client *Client
	logger ectologger.Logger
}

// NewClusterService creates a new cluster service
func NewClusterService(client *Client, logger ectologger.Logger) *ClusterService {
	return &ClusterService{
		client: client,
		logger: logger,
	}
}

// ProjectCluster writes the full state of a cluster to the graph. The write is
// idempotent; stale LINKED_TO edges from prior merges are removed so the graph
// always shows the current primary.
func (s *ClusterService) ProjectCluster(ctx context.Context, tenantID string, cluster []models.Contact) error {
	ctx, span := tracing.StartSpan(ctx, "graph.ClusterService.ProjectCluster")
	defer span.End()

	if len(cluster) == 0 {
		return nil
	}

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":    tenantID,
		"cluster_size": len(cluster),
	})

	batch := make([]map[string]any, len(cluster))
	for i, contact := range cluster {
		props := map[string]any{
			"id":              contact.ID,
			"tenant_id":       contact.TenantID,
			"link_precedence": string(contact.LinkPrecedence),
			"created_at":      contact.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			"updated_at":      contact.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if contact.Email != nil {
			props["email"] = *contact.Email
		}
		if contact.PhoneNumber != nil {
			props["phone_number"] = *contact.PhoneNumber
		}

		entry := map[string]any{"props": props}
		if contact.LinkedID != nil {
			entry["linked_id"] = *contact.LinkedID
		}
		batch[i] = entry
	}

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Upsert nodes and drop any outgoing links from a previous cluster shape
		cypher := `
			UNWIND $batch AS row
			MERGE (c:Contact {id: row.props.id, tenant_id: row.props.tenant_id})
			SET c = row.props
			WITH c
			OPTIONAL MATCH (c)-[r:LINKED_TO]->()
			DELETE r
		`
		if _, err := tx.Run(ctx, cypher, map[string]any{"batch": batch}); err != nil {
			return nil, err
		}

		// Re-link secondaries to the current primary
		cypher = `
			UNWIND $batch AS row
			WITH row WHERE row.linked_id IS NOT NULL
			MATCH (c:Contact {id: row.props.id, tenant_id: $tenant_id})
			MATCH (p:Contact {id: row.linked_id, tenant_id: $tenant_id})
			MERGE (c)-[:LINKED_TO]->(p)
		`
		if _, err := tx.Run(ctx, cypher, map[string]any{
			"batch":     batch,
			"tenant_id": tenantID,
		}); err != nil {
			return nil, err
		}

		return nil, nil
	})

	if err != nil {
		log.WithError(err).Error("Failed to project cluster to graph")
		return fmt.Errorf("failed to project cluster: %w", err)
	}

	log.Debug("Projected cluster to graph")
	return nil
}
