package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/store"
)

func (c *client) GetTenantWithLimits(ctx context.Context, id string) (*digest.Tenant, error) {
	if id == "" {
		return nil, errors.New("tenant id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc tenantDocument
	if err := c.tenants.FindOne(ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toTenant(), nil
}

func (c *client) CreateTenant(ctx context.Context, tenant *digest.Tenant) (*digest.Tenant, error) {
	if tenant == nil {
		return nil, errors.New("tenant is required")
	}
	if tenant.Name == "" {
		return nil, errors.New("tenant name is required")
	}
	now := time.Now().UTC()
	t := *tenant
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.State == "" {
		t.State = digest.SubscriptionTrialing
	}
	if t.Usage.UsagePeriodStart.IsZero() {
		t.Usage.UsagePeriodStart = now
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	doc := fromTenant(&t)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.tenants.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return doc.toTenant(), nil
}

func (c *client) IncrementUsage(ctx context.Context, tenantID, field string, delta int) (int, error) {
	if tenantID == "" {
		return 0, errors.New("tenant id is required")
	}
	switch field {
	case store.UsageRepos, store.UsageAuthors, store.UsageEmails:
	default:
		return 0, fmt.Errorf("unknown usage field %q", field)
	}
	path := "usage." + field
	// Pipeline update so the floor at zero and the add happen in one atomic
	// server-side step.
	update := bson.A{bson.M{"$set": bson.M{
		path: bson.M{"$max": bson.A{0, bson.M{"$add": bson.A{
			bson.M{"$ifNull": bson.A{"$" + path, 0}}, delta,
		}}}},
		"updated_at": time.Now().UTC(),
	}}}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc tenantDocument
	err := c.tenants.FindOneAndUpdate(ctx, bson.M{"id": tenantID}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	switch field {
	case store.UsageRepos:
		return doc.Usage.ReposCount, nil
	case store.UsageAuthors:
		return doc.Usage.AuthorsCount, nil
	default:
		return doc.Usage.EmailsSentThisMonth, nil
	}
}

func (c *client) ResetUsagePeriod(ctx context.Context, tenantID string, periodStart time.Time) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	// Conditional on the stored period start so concurrent rollovers collapse
	// into a single reset.
	filter := bson.M{
		"id":                 tenantID,
		"usage.period_start": bson.M{"$lt": periodStart.UTC()},
	}
	update := bson.M{"$set": bson.M{
		"usage.emails_sent_this_month": 0,
		"usage.period_start":           periodStart.UTC(),
		"updated_at":                   time.Now().UTC(),
	}}
	_, err := c.tenants.UpdateOne(ctx, filter, update)
	return err
}

func (c *client) ApplyPlanSnapshot(ctx context.Context, tenantID string, state digest.SubscriptionState, plan *digest.Plan) error {
	if tenantID == "" {
		return errors.New("tenant id is required")
	}
	set := bson.M{
		"state":      state,
		"updated_at": time.Now().UTC(),
	}
	if plan != nil {
		set["plan"] = fromPlan(*plan)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.tenants.UpdateOne(ctx, bson.M{"id": tenantID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *client) UpsertPlan(ctx context.Context, plan digest.Plan) error {
	if plan.Name == "" {
		return errors.New("plan name is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.plans.ReplaceOne(ctx, bson.M{"name": plan.Name}, fromPlan(plan),
		options.Replace().SetUpsert(true))
	return err
}

func (c *client) GetPlan(ctx context.Context, name string) (*digest.Plan, error) {
	if name == "" {
		return nil, errors.New("plan name is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc planDocument
	if err := c.plans.FindOne(ctx, bson.M{"name": name}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	plan := doc.toPlan()
	return &plan, nil
}

type (
	tenantDocument struct {
		ID        string                   `bson:"id"`
		Name      string                   `bson:"name"`
		OwnerID   string                   `bson:"owner_id,omitempty"`
		State     digest.SubscriptionState `bson:"state"`
		Plan      planDocument             `bson:"plan"`
		Usage     usageDocument            `bson:"usage"`
		CreatedAt time.Time                `bson:"created_at"`
		UpdatedAt time.Time                `bson:"updated_at"`
	}

	planDocument struct {
		Name              string `bson:"name"`
		MaxRepos          int    `bson:"max_repos"`
		MaxAuthors        int    `bson:"max_authors"`
		MaxEmailsPerMonth int    `bson:"max_emails_per_month"`
	}

	usageDocument struct {
		ReposCount          int       `bson:"repos_count"`
		AuthorsCount        int       `bson:"authors_count"`
		EmailsSentThisMonth int       `bson:"emails_sent_this_month"`
		PeriodStart         time.Time `bson:"period_start"`
	}
)

func fromTenant(t *digest.Tenant) tenantDocument {
	return tenantDocument{
		ID:      t.ID,
		Name:    t.Name,
		OwnerID: t.OwnerID,
		State:   t.State,
		Plan:    fromPlan(t.Plan),
		Usage: usageDocument{
			ReposCount:          t.Usage.ReposCount,
			AuthorsCount:        t.Usage.AuthorsCount,
			EmailsSentThisMonth: t.Usage.EmailsSentThisMonth,
			PeriodStart:         t.Usage.UsagePeriodStart.UTC(),
		},
		CreatedAt: t.CreatedAt.UTC(),
		UpdatedAt: t.UpdatedAt.UTC(),
	}
}

func (doc tenantDocument) toTenant() *digest.Tenant {
	return &digest.Tenant{
		ID:      doc.ID,
		Name:    doc.Name,
		OwnerID: doc.OwnerID,
		State:   doc.State,
		Plan:    doc.Plan.toPlan(),
		Usage: digest.Usage{
			ReposCount:          doc.Usage.ReposCount,
			AuthorsCount:        doc.Usage.AuthorsCount,
			EmailsSentThisMonth: doc.Usage.EmailsSentThisMonth,
			UsagePeriodStart:    doc.Usage.PeriodStart.UTC(),
		},
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
}

func fromPlan(p digest.Plan) planDocument {
	return planDocument{
		Name:              p.Name,
		MaxRepos:          p.MaxRepos,
		MaxAuthors:        p.MaxAuthors,
		MaxEmailsPerMonth: p.MaxEmailsPerMonth,
	}
}

func (doc planDocument) toPlan() digest.Plan {
	return digest.Plan{
		Name:              doc.Name,
		MaxRepos:          doc.MaxRepos,
		MaxAuthors:        doc.MaxAuthors,
		MaxEmailsPerMonth: doc.MaxEmailsPerMonth,
	}
}
