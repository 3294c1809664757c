package models

import (
	"time"
)

// LinkPrecedence marks a contact as the canonical record of its cluster or as
// a record merged into one.
type LinkPrecedence string

const (
	LinkPrecedencePrimary   LinkPrecedence = "primary"
	LinkPrecedenceSecondary LinkPrecedence = "secondary"
)

// Contact represents one observed (email, phone_number) pair. A cluster is one
// primary contact plus every secondary whose linked_id points at it; secondaries
// never link to other secondaries.
// Field order matches schema: id, tenant_id, email, phone_number, ...
type Contact struct {
	ID             string         `json:"id" db:"id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	Email          *string        `json:"email,omitempty" db:"email"`
	PhoneNumber    *string        `json:"phone_number,omitempty" db:"phone_number"`
	LinkPrecedence LinkPrecedence `json:"link_precedence" db:"link_precedence"`
	LinkedID       *string        `json:"linked_id,omitempty" db:"linked_id"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// IsPrimary reports whether this contact is the canonical record of its cluster.
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrecedencePrimary
}

// CreateContactParams are the attributes for inserting a new contact.
// The store assigns id, created_at and updated_at.
type CreateContactParams struct {
	Email          *string
	PhoneNumber    *string
	LinkPrecedence LinkPrecedence
	LinkedID       *string
}

// ConsolidatedIdentity is the caller-facing view of one identity cluster.
// Emails and phone numbers are unique and ordered by first occurrence across
// the cluster in creation order.
type ConsolidatedIdentity struct {
	PrimaryContactID    string   `json:"primary_contact_id"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phone_numbers"`
	SecondaryContactIDs []string `json:"secondary_contact_ids"`
}
