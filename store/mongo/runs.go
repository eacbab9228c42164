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

const defaultRunListLimit = 50

func (c *client) CreateRun(ctx context.Context, entry *digest.MonitoringEntry, trigger digest.TriggerType, scheduledFor time.Time) (*digest.Run, error) {
	if entry == nil || entry.ID == "" {
		return nil, errors.New("entry is required")
	}
	now := time.Now().UTC()
	doc := runDocument{
		ID:           uuid.NewString(),
		EntryID:      entry.ID,
		TenantID:     entry.TenantID,
		AuthorID:     entry.AuthorID,
		RepositoryID: entry.RepositoryID,
		Trigger:      trigger,
		Status:       digest.RunStarted,
		ScheduledFor: scheduledFor.UTC(),
		StartedAt:    now,
		NoteSnapshot: entry.Note,
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.runs.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return doc.toRun(), nil
}

func (c *client) CompleteRun(ctx context.Context, runID string, result store.RunResult) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	if result.Status != digest.RunCompleted && result.Status != digest.RunFailed {
		return fmt.Errorf("run status %q is not terminal", result.Status)
	}
	if !result.Delivery.Terminal() {
		return fmt.Errorf("delivery status %q is not terminal", result.Delivery.Status)
	}
	completedAt := result.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// Conditional on status so a run closes exactly once, even when the
	// reaper and a late executor race.
	filter := bson.M{"id": runID, "status": digest.RunStarted}
	update := bson.M{"$set": bson.M{
		"status":        result.Status,
		"completed_at":  completedAt.UTC(),
		"window_from":   result.WindowFrom.UTC(),
		"window_to":     result.WindowTo.UTC(),
		"pr_count":      result.PRCount,
		"pr_numbers":    result.PRNumbers,
		"has_activity":  result.HasActivity,
		"summary":       result.Summary,
		"note_snapshot": result.NoteSnapshot,
		"delivery":      fromDelivery(result.Delivery),
	}}
	res, err := c.runs.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	var doc runDocument
	if err := c.runs.FindOne(ctx, bson.M{"id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.ErrNotFound
		}
		return err
	}
	return store.ErrRunClosed
}

func (c *client) GetRun(ctx context.Context, id string) (*digest.Run, error) {
	if id == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := c.runs.FindOne(ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toRun(), nil
}

func (c *client) ListRunsByEntry(ctx context.Context, entryID string, limit int) ([]*digest.Run, error) {
	if entryID == "" {
		return nil, errors.New("entry id is required")
	}
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.runs.Find(ctx, bson.M{"entry_id": entryID},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	return drainRuns(ctx, cur)
}

func (c *client) ListOpenRunsBefore(ctx context.Context, cutoff time.Time) ([]*digest.Run, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status":     digest.RunStarted,
		"started_at": bson.M{"$lt": cutoff.UTC()},
	}
	cur, err := c.runs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return drainRuns(ctx, cur)
}

func drainRuns(ctx context.Context, cur cursor) ([]*digest.Run, error) {
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*digest.Run
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRun())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type (
	runDocument struct {
		ID           string              `bson:"id"`
		EntryID      string              `bson:"entry_id"`
		TenantID     string              `bson:"tenant_id"`
		AuthorID     string              `bson:"author_id"`
		RepositoryID string              `bson:"repository_id"`
		Trigger      digest.TriggerType  `bson:"trigger"`
		Status       digest.RunStatus    `bson:"status"`
		ScheduledFor time.Time           `bson:"scheduled_for"`
		StartedAt    time.Time           `bson:"started_at"`
		CompletedAt  *time.Time          `bson:"completed_at,omitempty"`
		WindowFrom   time.Time           `bson:"window_from,omitempty"`
		WindowTo     time.Time           `bson:"window_to,omitempty"`
		PRCount      int                 `bson:"pr_count"`
		PRNumbers    []int               `bson:"pr_numbers,omitempty"`
		HasActivity  bool                `bson:"has_activity"`
		Summary      *string             `bson:"summary,omitempty"`
		NoteSnapshot string              `bson:"note_snapshot,omitempty"`
		Delivery     *deliveryDocument   `bson:"delivery,omitempty"`
	}

	deliveryDocument struct {
		Status        digest.DeliveryStatus `bson:"status"`
		SentAt        *time.Time            `bson:"sent_at,omitempty"`
		Recipients    []string              `bson:"recipients,omitempty"`
		FailureReason string                `bson:"failure_reason,omitempty"`
	}
)

func fromDelivery(d digest.DeliveryRecord) *deliveryDocument {
	return &deliveryDocument{
		Status:        d.Status,
		SentAt:        utcOrNil(d.SentAt),
		Recipients:    append([]string(nil), d.Recipients...),
		FailureReason: d.FailureReason,
	}
}

func (doc runDocument) toRun() *digest.Run {
	run := &digest.Run{
		ID:           doc.ID,
		EntryID:      doc.EntryID,
		TenantID:     doc.TenantID,
		AuthorID:     doc.AuthorID,
		RepositoryID: doc.RepositoryID,
		Trigger:      doc.Trigger,
		ScheduledFor: doc.ScheduledFor.UTC(),
		StartedAt:    doc.StartedAt.UTC(),
		CompletedAt:  utcOrNil(doc.CompletedAt),
		Status:       doc.Status,
		WindowFrom:   doc.WindowFrom.UTC(),
		WindowTo:     doc.WindowTo.UTC(),
		PRCount:      doc.PRCount,
		PRNumbers:    append([]int(nil), doc.PRNumbers...),
		HasActivity:  doc.HasActivity,
		Summary:      doc.Summary,
		NoteSnapshot: doc.NoteSnapshot,
	}
	if doc.Delivery != nil {
		run.Delivery = digest.DeliveryRecord{
			Status:        doc.Delivery.Status,
			SentAt:        utcOrNil(doc.Delivery.SentAt),
			Recipients:    append([]string(nil), doc.Delivery.Recipients...),
			FailureReason: doc.Delivery.FailureReason,
		}
	}
	return run
}
