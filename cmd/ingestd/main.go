// Command ingestd serves the device push-ingest HTTP endpoint: it wires the
// registry, stream factory, writer, archiver and transform registry together
// behind a single POST /ingest handler.
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

	gcalendar "github.com/virtues-os/core/provider/google/calendar"
	icontacts "github.com/virtues-os/core/provider/ios/contacts"
	ihealthkit "github.com/virtues-os/core/provider/ios/healthkit"
	ptransactions "github.com/virtues-os/core/provider/plaid/transactions"

	"github.com/virtues-os/core/archive"
	"github.com/virtues-os/core/auth"
	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/infrastructure/config"
	"github.com/virtues-os/core/infrastructure/crypto"
	"github.com/virtues-os/core/infrastructure/httputil"
	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/infrastructure/metrics"
	"github.com/virtues-os/core/infrastructure/ratelimit"
	"github.com/virtues-os/core/ingest"
	platformdb "github.com/virtues-os/core/internal/platform/database"
	"github.com/virtues-os/core/pkg/storage/blob"
	"github.com/virtues-os/core/registry"
	"github.com/virtues-os/core/streamfactory"
	"github.com/virtues-os/core/streamwriter"
	"github.com/virtues-os/core/synclog"
	"github.com/virtues-os/core/transform"
)

func main() {
	log := logging.NewFromEnv("ingestd")
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
	m := metrics.New("ingestd")

	jobCaps, err := ratelimit.NewDailyCapLimiterFromEnv("ingestd:jobs", "DAILY_JOB_CAP", 50000)
	if err != nil {
		log.Fatal(ctx, "configure daily job cap", err)
	}
	defer jobCaps.Close()

	sources := database.NewSourceRepository(db)
	devices := database.NewDeviceRepository(db)
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

	handler := ingest.NewHandler(devices, factory, writer, archiver, transforms, syncLogger, log).WithMetrics(m)

	mux := http.NewServeMux()
	mux.Handle("/ingest", handler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              ":" + config.GetEnv("PORT", "8081"),
		Handler:           mux,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info(ctx, "ingestd listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "server error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info(ctx, "ingestd shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "shutdown error", err, nil)
	}
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
