package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/schedule"
	"github.com/pulldigest/pulldigest/store"
)

func (c *client) GetMonitoringEntry(ctx context.Context, id string) (*digest.MonitoringEntry, error) {
	if id == "" {
		return nil, errors.New("entry id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc entryDocument
	if err := c.entries.FindOne(ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toEntry(), nil
}

func (c *client) ListDueMonitoringEntries(ctx context.Context, now time.Time) ([]*digest.MonitoringEntry, error) {
	filter := bson.M{
		"status":               digest.EntryActive,
		"schedule.is_active":   true,
		"schedule.next_run_at": bson.M{"$lte": now.UTC()},
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.entries.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "schedule.next_run_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*digest.MonitoringEntry
	for cur.Next(ctx) {
		var doc entryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toEntry())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) CreateMonitoringEntry(ctx context.Context, entry *digest.MonitoringEntry) (*digest.MonitoringEntry, error) {
	if entry == nil {
		return nil, errors.New("entry is required")
	}
	if entry.TenantID == "" || entry.AuthorID == "" || entry.RepositoryID == "" {
		return nil, errors.New("tenant, author and repository ids are required")
	}
	now := time.Now().UTC()
	e := *entry
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Mode == "" {
		e.Mode = digest.ModeGhost
	}
	e.Status = digest.EntryActive
	e.CreatedAt = now
	e.UpdatedAt = now
	doc := fromEntry(&e)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// A removed entry for the same triple is brought back in place so its
	// run history stays attached; only its identity fields survive.
	filter := bson.M{
		"tenant_id":     e.TenantID,
		"author_id":     e.AuthorID,
		"repository_id": e.RepositoryID,
		"status":        digest.EntryRemoved,
	}
	update := bson.M{"$set": bson.M{
		"mode":          doc.Mode,
		"status":        doc.Status,
		"schedule":      doc.Schedule,
		"window_policy": doc.WindowPolicy,
		"window_from":   doc.WindowFrom,
		"window_to":     doc.WindowTo,
		"recipients":    doc.Recipients,
		"note":          doc.Note,
		"updated_at":    doc.UpdatedAt,
	}}
	var revived entryDocument
	err := c.entries.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&revived)
	if err == nil {
		return revived.toEntry(), nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, err
	}

	if _, err := c.entries.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return doc.toEntry(), nil
}

func (c *client) UpdateEntrySchedule(ctx context.Context, id string, spec schedule.Spec, nextRunAt *time.Time) error {
	if id == "" {
		return errors.New("entry id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"schedule.type":        spec.Type,
		"schedule.config":      spec.Config,
		"schedule.time":        spec.TimeOfDay,
		"schedule.timezone":    spec.Timezone,
		"schedule.is_active":   spec.IsActive,
		"schedule.next_run_at": utcOrNil(nextRunAt),
		"updated_at":           time.Now().UTC(),
	}}
	res, err := c.entries.UpdateOne(ctx, bson.M{"id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *client) SetEntryStatus(ctx context.Context, id string, status digest.EntryStatus) error {
	return c.setEntryField(ctx, id, "status", status)
}

func (c *client) SetEntryMode(ctx context.Context, id string, mode digest.EntryMode) error {
	return c.setEntryField(ctx, id, "mode", mode)
}

func (c *client) setEntryField(ctx context.Context, id, field string, value any) error {
	if id == "" {
		return errors.New("entry id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{field: value, "updated_at": time.Now().UTC()}}
	res, err := c.entries.UpdateOne(ctx, bson.M{"id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *client) AdvanceSchedule(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time) error {
	if id == "" {
		return errors.New("entry id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"schedule.last_run_at": lastRunAt.UTC(),
		"schedule.next_run_at": utcOrNil(nextRunAt),
		"updated_at":           time.Now().UTC(),
	}}
	res, err := c.entries.UpdateOne(ctx, bson.M{"id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

type (
	entryDocument struct {
		ID           string              `bson:"id"`
		TenantID     string              `bson:"tenant_id"`
		AuthorID     string              `bson:"author_id"`
		RepositoryID string              `bson:"repository_id"`
		Mode         digest.EntryMode    `bson:"mode"`
		Status       digest.EntryStatus  `bson:"status"`
		Schedule     scheduleDocument    `bson:"schedule"`
		WindowPolicy digest.WindowPolicy `bson:"window_policy"`
		WindowFrom   *time.Time          `bson:"window_from,omitempty"`
		WindowTo     *time.Time          `bson:"window_to,omitempty"`
		Recipients   []string            `bson:"recipients,omitempty"`
		Note         string              `bson:"note,omitempty"`
		CreatedAt    time.Time           `bson:"created_at"`
		UpdatedAt    time.Time           `bson:"updated_at"`
	}

	// scheduleDocument nests the occurrence bookkeeping inside the schedule
	// subdocument so an entry's schedule travels as one unit.
	scheduleDocument struct {
		schedule.Spec `bson:",inline"`
		LastRunAt     *time.Time `bson:"last_run_at,omitempty"`
		NextRunAt     *time.Time `bson:"next_run_at"`
	}
)

func fromEntry(e *digest.MonitoringEntry) entryDocument {
	return entryDocument{
		ID:           e.ID,
		TenantID:     e.TenantID,
		AuthorID:     e.AuthorID,
		RepositoryID: e.RepositoryID,
		Mode:         e.Mode,
		Status:       e.Status,
		Schedule: scheduleDocument{
			Spec:      e.Schedule,
			LastRunAt: utcOrNil(e.LastRunAt),
			NextRunAt: utcOrNil(e.NextRunAt),
		},
		WindowPolicy: e.WindowPolicy,
		WindowFrom:   utcOrNil(e.WindowFrom),
		WindowTo:     utcOrNil(e.WindowTo),
		Recipients:   append([]string(nil), e.Recipients...),
		Note:         e.Note,
		CreatedAt:    e.CreatedAt.UTC(),
		UpdatedAt:    e.UpdatedAt.UTC(),
	}
}

func (doc entryDocument) toEntry() *digest.MonitoringEntry {
	return &digest.MonitoringEntry{
		ID:           doc.ID,
		TenantID:     doc.TenantID,
		AuthorID:     doc.AuthorID,
		RepositoryID: doc.RepositoryID,
		Mode:         doc.Mode,
		Status:       doc.Status,
		Schedule:     doc.Schedule.Spec,
		WindowPolicy: doc.WindowPolicy,
		WindowFrom:   utcOrNil(doc.WindowFrom),
		WindowTo:     utcOrNil(doc.WindowTo),
		Recipients:   append([]string(nil), doc.Recipients...),
		Note:         doc.Note,
		LastRunAt:    utcOrNil(doc.Schedule.LastRunAt),
		NextRunAt:    utcOrNil(doc.Schedule.NextRunAt),
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
	}
}

func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
