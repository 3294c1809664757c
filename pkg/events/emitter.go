// Package events handles event emission for contact lifecycle changes
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Emitter handles event emission for Clover
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitContactCreated emits an event for a brand-new primary contact.
func (e *Emitter) EmitContactCreated(ctx context.Context, contact *models.Contact) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitContactCreated")
	defer span.End()

	data, _ := json.Marshal(map[string]any{
		"schema_version":  SchemaVersion,
		"email":           contact.Email,
		"phone_number":    contact.PhoneNumber,
		"link_precedence": contact.LinkPrecedence,
	})

	event := &kafka.ContactEvent{
		EventType:        "contact.created",
		TenantID:         contact.TenantID,
		ContactID:        contact.ID,
		PrimaryContactID: contact.ID,
		Data:             data,
	}

	if err := e.producer.PublishContactEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit contact.created event")
		return err
	}

	return nil
}

// EmitContactLinked emits an event for a new secondary joining a cluster.
func (e *Emitter) EmitContactLinked(ctx context.Context, contact *models.Contact, primaryID string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitContactLinked")
	defer span.End()

	data, _ := json.Marshal(map[string]any{
		"schema_version":  SchemaVersion,
		"email":           contact.Email,
		"phone_number":    contact.PhoneNumber,
		"link_precedence": contact.LinkPrecedence,
	})

	event := &kafka.ContactEvent{
		EventType:        "contact.linked",
		TenantID:         contact.TenantID,
		ContactID:        contact.ID,
		PrimaryContactID: primaryID,
		Data:             data,
	}

	if err := e.producer.PublishContactEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit contact.linked event")
		return err
	}

	return nil
}

// EmitClusterMerged emits an event when previously independent clusters merge.
func (e *Emitter) EmitClusterMerged(ctx context.Context, tenantID string, primaryID string, demotedIDs []string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitClusterMerged")
	defer span.End()

	data, _ := json.Marshal(map[string]any{
		"schema_version": SchemaVersion,
		"demoted_ids":    demotedIDs,
	})

	event := &kafka.ContactEvent{
		EventType:        "cluster.merged",
		TenantID:         tenantID,
		ContactID:        primaryID,
		PrimaryContactID: primaryID,
		Data:             data,
	}

	if err := e.producer.PublishContactEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit cluster.merged event")
		return err
	}

	return nil
}
