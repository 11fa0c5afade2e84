// Command syncd drives the pull side of the pipeline: on a cron schedule it
// runs the sync engine across every enabled stream connection, and
// separately reaps archive jobs stuck in_progress past their grace window
// and replays archived objects through any transform whose checkpoint lags.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	gcalendar "github.com/virtues-os/core/provider/google/calendar"
	icontacts "github.com/virtues-os/core/provider/ios/contacts"
	ihealthkit "github.com/virtues-os/core/provider/ios/healthkit"
	ptransactions "github.com/virtues-os/core/provider/plaid/transactions"

	"github.com/virtues-os/core/archive"
	"github.com/virtues-os/core/auth"
	"github.com/virtues-os/core/checkpoint"
	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/datasource"
	"github.com/virtues-os/core/infrastructure/config"
	"github.com/virtues-os/core/infrastructure/crypto"
	"github.com/virtues-os/core/infrastructure/httputil"
	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/infrastructure/metrics"
	"github.com/virtues-os/core/infrastructure/ratelimit"
	platformdb "github.com/virtues-os/core/internal/platform/database"
	"github.com/virtues-os/core/pkg/storage/blob"
	"github.com/virtues-os/core/registry"
	"github.com/virtues-os/core/streamfactory"
	"github.com/virtues-os/core/streamwriter"
	"github.com/virtues-os/core/syncengine"
	"github.com/virtues-os/core/synclog"
	"github.com/virtues-os/core/transform"
)

func main() {
	log := logging.NewFromEnv("syncd")
	ctx := context.Background()

	dsn := config.RequireEnv("DATABASE_URL")
	db, err := platformdb.Open(ctx, dsn)
	if err != nil {
		log.Fatal(ctx, "open database", err)
	}
	defer db.Close()

	masterKey, err := crypto.MasterKeyFromEnv("STREAM_ENCRYPTION_MASTER_KEY")
	if err != nil {
		log.Fatal(ctx, "load master key", err)
	}

	store, err := newBlobStore(ctx)
	if err != nil {
		log.Fatal(ctx, "configure blob store", err)
	}

	reg := registry.MustInit()
	m := metrics.New("syncd")

	requestCaps, err := ratelimit.NewDailyCapLimiterFromEnv("syncd:requests", "DAILY_REQUEST_CAP", 100000)
	if err != nil {
		log.Fatal(ctx, "configure daily request cap", err)
	}
	jobCaps, err := ratelimit.NewDailyCapLimiterFromEnv("syncd:jobs", "DAILY_JOB_CAP", 50000)
	if err != nil {
		log.Fatal(ctx, "configure daily job cap", err)
	}

	sources := database.NewSourceRepository(db)
	connections := database.NewStreamConnectionRepository(db)
	archiveJobs := database.NewArchiveJobRepository(db)
	objects := database.NewStreamObjectRepository(db)
	syncLogs := database.NewSyncLogRepository(db)

	proxyURL, _, err := httputil.NormalizeBaseURL(config.RequireEnv("OAUTH_PROXY_URL"), httputil.BaseURLOptions{})
	if err != nil {
		log.Fatal(ctx, "invalid OAUTH_PROXY_URL", err)
	}
	tokens := auth.NewTokenManager(sources, masterKey, log, proxyURL)
	writer := streamwriter.New()
	factory := streamfactory.New(reg, sources, tokens, writer)
	archiver := archive.New(archiveJobs, objects, store, config.GetEnv("ARCHIVE_OBJECT_PREFIX", "streams"), masterKey, log).
		WithMetrics(m).WithDailyCap(jobCaps)
	transforms := bindTransforms(db, log)
	syncLogger := synclog.New(syncLogs).WithMetrics(m)

	engine := syncengine.New(sources, connections, factory, writer, archiver, transforms, syncLogger, log).
		WithMetrics(m).WithDailyCap(requestCaps)

	checkpoints := checkpoint.New(database.NewCheckpointRepository(db))
	reader := datasource.NewStreamReader(objects, checkpoints, archiver)
	replay := syncengine.NewColdReplay(sources, connections, reader, transforms, syncLogger, log)

	c := cron.New()
	schedule := config.GetEnv("SYNC_SCHEDULE", "*/5 * * * *")
	if _, err := c.AddFunc(schedule, func() {
		if err := engine.RunOnce(ctx); err != nil {
			log.Error(ctx, "syncd: run failed", err, nil)
		}
	}); err != nil {
		log.Fatal(ctx, "invalid SYNC_SCHEDULE", err)
	}
	reapSchedule := config.GetEnv("ARCHIVE_REAP_SCHEDULE", "*/10 * * * *")
	if _, err := c.AddFunc(reapSchedule, func() {
		n, err := archiver.Reap(ctx)
		if err != nil {
			log.Error(ctx, "syncd: reap failed", err, nil)
			return
		}
		if n > 0 {
			log.Info(ctx, "syncd: reaped stuck archive jobs", map[string]interface{}{"count": n})
		}
	}); err != nil {
		log.Fatal(ctx, "invalid ARCHIVE_REAP_SCHEDULE", err)
	}
	replaySchedule := config.GetEnv("COLD_REPLAY_SCHEDULE", "*/15 * * * *")
	if _, err := c.AddFunc(replaySchedule, func() {
		if err := replay.RunOnce(ctx); err != nil {
			log.Error(ctx, "syncd: cold replay failed", err, nil)
		}
	}); err != nil {
		log.Fatal(ctx, "invalid COLD_REPLAY_SCHEDULE", err)
	}

	c.Start()
	log.Info(ctx, "syncd started", map[string]interface{}{"sync_schedule": schedule, "reap_schedule": reapSchedule, "replay_schedule": replaySchedule})

	metricsServer := &http.Server{Addr: ":" + config.GetEnv("METRICS_PORT", "9101"), Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "syncd: metrics server error", err, nil)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info(ctx, "syncd shutting down", nil)
	stopCtx := c.Stop()
	<-stopCtx.Done()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = requestCaps.Close()
	_ = jobCaps.Close()
}

// newBlobStore picks the blob backend from BLOB_BACKEND: "s3" (default, for
// any deployed environment) or "file" (local development).
func newBlobStore(ctx context.Context) (blob.Store, error) {
	if config.GetEnv("BLOB_BACKEND", "s3") == "file" {
		return blob.NewFileStore(config.GetEnv("BLOB_FILE_DIR", "./data/blob"))
	}
	return blob.NewS3Store(ctx, blob.S3Config{
		Endpoint:     config.GetEnv("S3_ENDPOINT", ""),
		Region:       config.GetEnv("S3_REGION", "us-east-1"),
		Bucket:       config.RequireEnv("S3_BUCKET"),
		Prefix:       config.GetEnv("S3_PREFIX", ""),
		AccessKey:    config.GetEnv("S3_ACCESS_KEY", ""),
		SecretKey:    config.GetEnv("S3_SECRET_KEY", ""),
		UsePathStyle: config.GetEnvBool("S3_USE_PATH_STYLE", false),
	})
}

// bindTransforms wires every ontology transform this module knows about to
// its (provider, stream) key, mirroring how each provider package's own
// init() binds its stream creator into the registry.
func bindTransforms(db *sql.DB, log *logging.Logger) *transform.Registry {
	reg := transform.NewRegistry()
	reg.Bind(gcalendar.Provider, gcalendar.StreamName, transform.NewCalendarTransform(db, log))
	reg.Bind(ptransactions.Provider, ptransactions.StreamName, transform.NewTransactionsTransform(db, log))
	reg.Bind(ihealthkit.Provider, ihealthkit.StreamName, transform.NewHealthkitTransform(db, log))
	reg.Bind(icontacts.Provider, icontacts.StreamName, transform.NewContactsTransform(db, log))
	return reg
}
