// Package mongo hosts the MongoDB implementation of the digest store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/pulldigest/pulldigest/store"
)

const (
	tenantsCollection      = "digest_tenants"
	plansCollection        = "digest_plans"
	repositoriesCollection = "digest_repositories"
	authorsCollection      = "digest_authors"
	entriesCollection      = "digest_entries"
	runsCollection         = "digest_runs"

	defaultOpTimeout = 5 * time.Second
	storeClientName  = "digest-mongo"
)

// Client exposes the Mongo-backed digest store.
type Client interface {
	store.Store
	health.Pinger
}

// Options configures the Mongo digest store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

type client struct {
	mongo        *mongodriver.Client
	tenants      collection
	plans        collection
	repositories collection
	authors      collection
	entries      collection
	runs         collection
	timeout      time.Duration
}

// New returns a Client backed by MongoDB and ensures the collection indexes
// the store relies on.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:        opts.Client,
		tenants:      mongoCollection{coll: db.Collection(tenantsCollection)},
		plans:        mongoCollection{coll: db.Collection(plansCollection)},
		repositories: mongoCollection{coll: db.Collection(repositoriesCollection)},
		authors:      mongoCollection{coll: db.Collection(authorsCollection)},
		entries:      mongoCollection{coll: db.Collection(entriesCollection)},
		runs:         mongoCollection{coll: db.Collection(runsCollection)},
		timeout:      timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string {
	return storeClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) ensureIndexes(ctx context.Context) error {
	unique := func(keys bson.D) mongodriver.IndexModel {
		return mongodriver.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)}
	}
	plain := func(keys bson.D) mongodriver.IndexModel {
		return mongodriver.IndexModel{Keys: keys}
	}
	indexes := []struct {
		coll  collection
		model mongodriver.IndexModel
	}{
		{c.tenants, unique(bson.D{{Key: "id", Value: 1}})},
		{c.plans, unique(bson.D{{Key: "name", Value: 1}})},
		{c.repositories, unique(bson.D{{Key: "id", Value: 1}})},
		{c.repositories, unique(bson.D{{Key: "tenant_id", Value: 1}, {Key: "full_name", Value: 1}})},
		{c.authors, unique(bson.D{{Key: "id", Value: 1}})},
		{c.authors, unique(bson.D{{Key: "host_user_id", Value: 1}})},
		{c.authors, unique(bson.D{{Key: "username", Value: 1}})},
		{c.entries, unique(bson.D{{Key: "id", Value: 1}})},
		{c.entries, unique(bson.D{{Key: "tenant_id", Value: 1}, {Key: "author_id", Value: 1}, {Key: "repository_id", Value: 1}})},
		{c.entries, plain(bson.D{{Key: "status", Value: 1}, {Key: "schedule.next_run_at", Value: 1}})},
		{c.runs, unique(bson.D{{Key: "id", Value: 1}})},
		{c.runs, plain(bson.D{{Key: "entry_id", Value: 1}, {Key: "started_at", Value: -1}})},
		{c.runs, plain(bson.D{{Key: "status", Value: 1}, {Key: "started_at", Value: 1}})},
	}
	for _, ix := range indexes {
		if _, err := ix.coll.Indexes().CreateOne(ctx, ix.model); err != nil {
			return err
		}
	}
	return nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	InsertOne(ctx context.Context, document any,
		opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	UpdateMany(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	ReplaceOne(ctx context.Context, filter any, replacement any,
		opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
	FindOneAndUpdate(ctx context.Context, filter any, update any,
		opts ...*options.FindOneAndUpdateOptions) singleResult
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, document any,
	opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) UpdateMany(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateMany(ctx, filter, update, opts...)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOneAndUpdate(ctx, filter, update, opts...)}
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
