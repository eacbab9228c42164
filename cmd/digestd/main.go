package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"github.com/pulldigest/pulldigest/api"
	"github.com/pulldigest/pulldigest/billing"
	"github.com/pulldigest/pulldigest/digest"
	"github.com/pulldigest/pulldigest/engine"
	"github.com/pulldigest/pulldigest/lease"
	"github.com/pulldigest/pulldigest/mail"
	"github.com/pulldigest/pulldigest/quota"
	"github.com/pulldigest/pulldigest/secrets"
	storemongo "github.com/pulldigest/pulldigest/store/mongo"
	"github.com/pulldigest/pulldigest/summary"
	"github.com/pulldigest/pulldigest/summary/anthropic"
	"github.com/pulldigest/pulldigest/summary/bedrock"
	"github.com/pulldigest/pulldigest/summary/openai"
	"github.com/pulldigest/pulldigest/telemetry"
	"github.com/pulldigest/pulldigest/vcs/github"
)

func main() {
	// Define command line flags. Secrets only travel through the environment.
	var (
		httpAddrF     = flag.String("http-addr", envOr("DIGEST_HTTP_ADDR", ":8080"), "HTTP listen address")
		mongoURIF     = flag.String("mongo-uri", envOr("DIGEST_MONGO_URI", "mongodb://localhost:27017"), "MongoDB connection URI")
		databaseF     = flag.String("db", envOr("DIGEST_DB", "pulldigest"), "MongoDB database name")
		pollF         = flag.Duration("poll", time.Minute, "Scheduler poll interval")
		graceF        = flag.Duration("grace", 5*time.Minute, "Grace period before an open run counts as abandoned")
		windowF       = flag.Duration("window", 24*time.Hour, "Default activity window for first runs")
		llmProviderF  = flag.String("llm-provider", envOr("DIGEST_LLM_PROVIDER", "anthropic"), "Summary model provider (anthropic, openai or bedrock)")
		llmModelF     = flag.String("llm-model", envOr("DIGEST_LLM_MODEL", ""), "Summary model identifier")
		llmIntervalF  = flag.Duration("llm-interval", 2*time.Second, "Minimum spacing between model calls")
		smtpProviderF = flag.String("smtp-provider", envOr("DIGEST_SMTP_PROVIDER", mail.ProviderGmail), "Email provider (gmail or zoho)")
		smtpUserF     = flag.String("smtp-user", envOr("DIGEST_SMTP_USER", ""), "SMTP username, also the From address")
		plansF        = flag.String("plans", envOr("DIGEST_PLANS_FILE", ""), "Optional YAML file overriding the built-in plan catalog")
		redisAddrF    = flag.String("redis-addr", envOr("DIGEST_REDIS_ADDR", ""), "Redis address for the scheduler lease; empty runs single-process")
		dbgF          = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "http-addr", V: *httpAddrF})
	log.Print(ctx, log.KV{K: "llm-provider", V: *llmProviderF})
	log.Print(ctx, log.KV{K: "smtp-provider", V: *smtpProviderF})

	// Connect to MongoDB and build the store.
	var st storemongo.Client
	{
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		mc, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(*mongoURIF))
		if err != nil {
			log.Fatalf(ctx, err, "connect to MongoDB at %q", *mongoURIF)
		}
		if err := mc.Ping(connectCtx, readpref.Primary()); err != nil {
			log.Fatalf(ctx, err, "ping MongoDB at %q", *mongoURIF)
		}
		st, err = storemongo.New(storemongo.Options{Client: mc, Database: *databaseF})
		if err != nil {
			log.Fatalf(ctx, err, "initialize store")
		}
		defer func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "disconnect MongoDB")
			}
		}()
	}

	if err := seedPlans(ctx, st, *plansF); err != nil {
		log.Fatalf(ctx, err, "seed plan catalog")
	}

	// Credential sealing key for per-repository tokens.
	var box *secrets.Box
	{
		encoded := os.Getenv("DIGEST_CREDENTIAL_KEY")
		if encoded == "" {
			log.Fatal(ctx, fmt.Errorf("DIGEST_CREDENTIAL_KEY is not set"))
		}
		key, err := secrets.DecodeKey(encoded)
		if err != nil {
			log.Fatalf(ctx, err, "decode credential key")
		}
		box, err = secrets.NewBox(key)
		if err != nil {
			log.Fatalf(ctx, err, "build credential box")
		}
	}

	// GitHub fetch stage.
	var fetcher *github.Fetcher
	{
		var err error
		fetcher, err = github.NewFetcher(github.FetcherOptions{Client: github.New()})
		if err != nil {
			log.Fatalf(ctx, err, "build fetcher")
		}
	}

	// Summary model and summarizer.
	var summarizer *summary.Summarizer
	{
		model, err := buildModel(ctx, *llmProviderF, *llmModelF)
		if err != nil {
			log.Fatalf(ctx, err, "build %s model client", *llmProviderF)
		}
		summarizer, err = summary.New(summary.Options{
			Model:       model,
			ModelID:     *llmModelF,
			MinInterval: *llmIntervalF,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build summarizer")
		}
	}

	// Email delivery.
	var mailer *mail.SMTPMailer
	{
		password := os.Getenv("DIGEST_SMTP_PASSWORD")
		var err error
		mailer, err = mail.New(mail.Options{
			Provider: *smtpProviderF,
			Username: *smtpUserF,
			Password: password,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build mailer")
		}
	}

	// Scheduler lease: Redis when an address is configured, otherwise the
	// process-local lease.
	var schedLease lease.Lease = lease.Local{}
	pingers := []health.Pinger{st}
	if *redisAddrF != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddrF})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf(ctx, err, "ping Redis at %q", *redisAddrF)
		}
		rl, err := lease.NewRedis(rdb, lease.DefaultKey, 0)
		if err != nil {
			log.Fatalf(ctx, err, "build Redis lease")
		}
		schedLease = rl
		pingers = append(pingers, rl)
		defer func() {
			_ = rdb.Close()
		}()
	}

	// The engine itself.
	var eng *engine.Engine
	{
		var err error
		eng, err = engine.New(engine.Options{
			Store:         st,
			Quota:         quota.New(st),
			Fetcher:       fetcher,
			Summarizer:    summarizer,
			Mailer:        mailer,
			Box:           box,
			Metrics:       telemetry.NewMetrics(),
			Lease:         schedLease,
			GlobalToken:   os.Getenv("DIGEST_GITHUB_TOKEN"),
			Poll:          *pollF,
			Grace:         *graceF,
			DefaultWindow: *windowF,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build engine")
		}
	}

	// HTTP surface.
	var handler http.Handler
	{
		webhook, err := billing.New(st)
		if err != nil {
			log.Fatalf(ctx, err, "build billing webhook")
		}
		srv, err := api.New(api.Options{
			Engine:  eng,
			Runs:    st,
			Billing: webhook,
			Pingers: pingers,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build API server")
		}
		mux := srv.Handler()
		handler = mux
		if *dbgF {
			// Mount /debug/pprof and the dynamic log level endpoint, and log
			// request and response bodies.
			debug.MountPprofHandlers(mux)
			debug.MountDebugLogEnabler(mux)
			handler = debug.HTTP()(handler)
		}
		handler = log.HTTP(ctx)(handler)
	}

	// Create channel used by both the signal handler and server goroutines to
	// notify the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	// Scheduler loop.
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "scheduler polling every %v", *pollF)
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			errc <- err
		}
	}()

	// HTTP server.
	srv := &http.Server{Addr: *httpAddrF, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			log.Printf(ctx, "HTTP server listening on %q", *httpAddrF)
			errc <- srv.ListenAndServe()
		}()
		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", *httpAddrF)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	log.Printf(ctx, "exited")
}

// buildModel constructs the summary model client for the configured provider.
func buildModel(ctx context.Context, provider, modelID string) (summary.Model, error) {
	switch strings.ToLower(provider) {
	case "anthropic":
		return anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), modelID)
	case "openai":
		return openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), modelID)
	case "bedrock":
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		return bedrock.New(bedrockruntime.NewFromConfig(cfg), bedrock.Options{DefaultModel: modelID})
	}
	return nil, fmt.Errorf("unknown provider %q (valid providers: anthropic, openai, bedrock)", provider)
}

// seedPlans upserts the built-in plan catalog, then any overrides from file.
func seedPlans(ctx context.Context, st storemongo.Client, file string) error {
	plans := []digest.Plan{
		{Name: "free", MaxRepos: 1, MaxAuthors: 2, MaxEmailsPerMonth: 10},
		{Name: "pro", MaxRepos: 10, MaxAuthors: 25, MaxEmailsPerMonth: 200},
		{Name: "team", MaxRepos: 50, MaxAuthors: 200, MaxEmailsPerMonth: 2000},
	}
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read plans file: %w", err)
		}
		var overrides []digest.Plan
		if err := yaml.Unmarshal(raw, &overrides); err != nil {
			return fmt.Errorf("parse plans file: %w", err)
		}
		plans = append(plans, overrides...)
	}
	for _, plan := range plans {
		if plan.Name == "" {
			return fmt.Errorf("plan without a name")
		}
		if err := st.UpsertPlan(ctx, plan); err != nil {
			return fmt.Errorf("upsert plan %q: %w", plan.Name, err)
		}
	}
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
