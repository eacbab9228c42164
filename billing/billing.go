// Package billing applies subscription lifecycle events from the billing
// provider to tenant state. Events arrive as JSON webhooks, are validated
// against an embedded schema and then folded into the tenant's plan snapshot
// or, for membership events, the monitoring entry's mode.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/pulldigest/pulldigest/digest"
)

// ErrInvalidEvent is wrapped by every parse and validation failure so callers
// can map it to a client error.
var ErrInvalidEvent = errors.New("invalid billing event")

// Webhook event types.
const (
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionCanceled = "subscription.canceled"
	EventMembershipAccepted   = "membership.accepted"
)

// schemaJSON constrains the webhook envelope. Subscription events carry the
// tenant and, except for cancellation, the full plan snapshot; membership
// events carry the accepted entry.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "enum": [
        "subscription.created",
        "subscription.updated",
        "subscription.canceled",
        "membership.accepted"
      ]
    },
    "tenant_id": {"type": "string", "minLength": 1},
    "status": {"enum": ["trialing", "active", "past_due", "canceled"]},
    "entry_id": {"type": "string", "minLength": 1},
    "plan": {
      "type": "object",
      "required": ["name", "max_repos", "max_authors", "max_emails_per_month"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "max_repos": {"type": "integer", "minimum": 0},
        "max_authors": {"type": "integer", "minimum": 0},
        "max_emails_per_month": {"type": "integer", "minimum": 0}
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"enum": ["subscription.created", "subscription.updated"]}}, "required": ["type"]},
      "then": {"required": ["tenant_id", "status", "plan"]}
    },
    {
      "if": {"properties": {"type": {"const": "subscription.canceled"}}, "required": ["type"]},
      "then": {"required": ["tenant_id"]}
    },
    {
      "if": {"properties": {"type": {"const": "membership.accepted"}}, "required": ["type"]},
      "then": {"required": ["entry_id"]}
    }
  ]
}`

type (
	// Event is one validated webhook payload.
	Event struct {
		Type     string
		TenantID string
		State    digest.SubscriptionState
		Plan     *digest.Plan
		EntryID  string
	}

	// Store is the slice of the persistence layer billing events touch.
	Store interface {
		ApplyPlanSnapshot(ctx context.Context, tenantID string, state digest.SubscriptionState, plan *digest.Plan) error
		SetEntryMode(ctx context.Context, id string, mode digest.EntryMode) error
	}

	// Webhook parses and applies billing events.
	Webhook struct {
		store  Store
		schema *jsonschema.Schema
	}

	wireEvent struct {
		Type     string    `json:"type"`
		TenantID string    `json:"tenant_id"`
		Status   string    `json:"status"`
		EntryID  string    `json:"entry_id"`
		Plan     *wirePlan `json:"plan"`
	}

	wirePlan struct {
		Name              string `json:"name"`
		MaxRepos          int    `json:"max_repos"`
		MaxAuthors        int    `json:"max_authors"`
		MaxEmailsPerMonth int    `json:"max_emails_per_month"`
	}
)

// New compiles the event schema and returns a webhook bound to store.
func New(store Store) (*Webhook, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("billing-event.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("billing-event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Webhook{store: store, schema: schema}, nil
}

// Parse validates body against the event schema and decodes it.
func (w *Webhook) Parse(body []byte) (*Event, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if err := w.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	var wire wireEvent
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	ev := &Event{
		Type:     wire.Type,
		TenantID: wire.TenantID,
		State:    digest.SubscriptionState(wire.Status),
		EntryID:  wire.EntryID,
	}
	if wire.Plan != nil {
		ev.Plan = &digest.Plan{
			Name:              wire.Plan.Name,
			MaxRepos:          wire.Plan.MaxRepos,
			MaxAuthors:        wire.Plan.MaxAuthors,
			MaxEmailsPerMonth: wire.Plan.MaxEmailsPerMonth,
		}
	}
	return ev, nil
}

// Apply folds a parsed event into tenant or entry state. Cancellation keeps
// the existing plan snapshot so historical runs stay attributable; membership
// acceptance flips the entry from ghost to open monitoring.
func (w *Webhook) Apply(ctx context.Context, ev *Event) error {
	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return w.store.ApplyPlanSnapshot(ctx, ev.TenantID, ev.State, ev.Plan)
	case EventSubscriptionCanceled:
		return w.store.ApplyPlanSnapshot(ctx, ev.TenantID, digest.SubscriptionCanceled, nil)
	case EventMembershipAccepted:
		return w.store.SetEntryMode(ctx, ev.EntryID, digest.ModeOpen)
	}
	return fmt.Errorf("%w: unhandled event type %q", ErrInvalidEvent, ev.Type)
}

// Process parses and applies body in one step.
func (w *Webhook) Process(ctx context.Context, body []byte) (*Event, error) {
	ev, err := w.Parse(body)
	if err != nil {
		return nil, err
	}
	if err := w.Apply(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
