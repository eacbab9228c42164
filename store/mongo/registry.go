package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/store"
)

func (c *client) GetRepository(ctx context.Context, id string) (*digest.Repository, error) {
	if id == "" {
		return nil, errors.New("repository id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc repositoryDocument
	if err := c.repositories.FindOne(ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toRepository(), nil
}

func (c *client) CreateRepository(ctx context.Context, repo *digest.Repository) (*digest.Repository, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if repo.TenantID == "" || repo.Owner == "" || repo.Name == "" {
		return nil, errors.New("tenant id, owner and name are required")
	}
	now := time.Now().UTC()
	r := *repo
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.FullName == "" {
		r.FullName = r.Owner + "/" + r.Name
	}
	if r.Status == "" {
		r.Status = digest.RepositoryActive
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	doc := fromRepository(&r)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.repositories.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return doc.toRepository(), nil
}

func (c *client) SetRepositoryStatus(ctx context.Context, id string, status digest.RepositoryStatus) error {
	if id == "" {
		return errors.New("repository id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{"status": status, "updated_at": now}}
	res, err := c.repositories.UpdateOne(ctx, bson.M{"id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	if status != digest.RepositoryRemoved {
		return nil
	}
	// A removed repository takes its active entries out of rotation.
	pause := bson.M{"$set": bson.M{"status": digest.EntryPaused, "updated_at": now}}
	_, err = c.entries.UpdateMany(ctx, bson.M{
		"repository_id": id,
		"status":        digest.EntryActive,
	}, pause)
	return err
}

func (c *client) GetAuthor(ctx context.Context, id string) (*digest.Author, error) {
	if id == "" {
		return nil, errors.New("author id is required")
	}
	return c.findAuthor(ctx, bson.M{"id": id})
}

func (c *client) GetAuthorByUsername(ctx context.Context, username string) (*digest.Author, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}
	return c.findAuthor(ctx, bson.M{"username": username})
}

func (c *client) findAuthor(ctx context.Context, filter bson.M) (*digest.Author, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc authorDocument
	if err := c.authors.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toAuthor(), nil
}

func (c *client) CreateAuthor(ctx context.Context, author *digest.Author) (*digest.Author, error) {
	if author == nil {
		return nil, errors.New("author is required")
	}
	if author.HostUserID == "" || author.Username == "" {
		return nil, errors.New("host user id and username are required")
	}
	a := *author
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	doc := fromAuthor(&a)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.authors.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return doc.toAuthor(), nil
}

type (
	repositoryDocument struct {
		ID         string                  `bson:"id"`
		TenantID   string                  `bson:"tenant_id"`
		Owner      string                  `bson:"owner"`
		Name       string                  `bson:"name"`
		FullName   string                  `bson:"full_name"`
		Credential string                  `bson:"credential,omitempty"`
		Status     digest.RepositoryStatus `bson:"status"`
		CreatedAt  time.Time               `bson:"created_at"`
		UpdatedAt  time.Time               `bson:"updated_at"`
	}

	authorDocument struct {
		ID          string    `bson:"id"`
		HostUserID  string    `bson:"host_user_id"`
		Username    string    `bson:"username"`
		DisplayName string    `bson:"display_name,omitempty"`
		CreatedAt   time.Time `bson:"created_at"`
	}
)

func fromRepository(r *digest.Repository) repositoryDocument {
	return repositoryDocument{
		ID:         r.ID,
		TenantID:   r.TenantID,
		Owner:      r.Owner,
		Name:       r.Name,
		FullName:   r.FullName,
		Credential: r.Credential,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

func (doc repositoryDocument) toRepository() *digest.Repository {
	return &digest.Repository{
		ID:         doc.ID,
		TenantID:   doc.TenantID,
		Owner:      doc.Owner,
		Name:       doc.Name,
		FullName:   doc.FullName,
		Credential: doc.Credential,
		Status:     doc.Status,
		CreatedAt:  doc.CreatedAt.UTC(),
		UpdatedAt:  doc.UpdatedAt.UTC(),
	}
}

func fromAuthor(a *digest.Author) authorDocument {
	return authorDocument{
		ID:          a.ID,
		HostUserID:  a.HostUserID,
		Username:    a.Username,
		DisplayName: a.DisplayName,
		CreatedAt:   a.CreatedAt.UTC(),
	}
}

func (doc authorDocument) toAuthor() *digest.Author {
	return &digest.Author{
		ID:          doc.ID,
		HostUserID:  doc.HostUserID,
		Username:    doc.Username,
		DisplayName: doc.DisplayName,
		CreatedAt:   doc.CreatedAt.UTC(),
	}
}
