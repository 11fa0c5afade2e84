// Package ingest implements the HTTP push-ingest endpoint device-backed
// streams post to. A batch is rejected wholesale on auth failure and
// otherwise accepted with per-record accounting; archiving is asynchronous
// and never fails the request.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/virtues-os/core/archive"
	"github.com/virtues-os/core/database"
	"github.com/virtues-os/core/datasource"
	svcerrors "github.com/virtues-os/core/infrastructure/errors"
	"github.com/virtues-os/core/infrastructure/httputil"
	"github.com/virtues-os/core/infrastructure/logging"
	"github.com/virtues-os/core/infrastructure/metrics"
	"github.com/virtues-os/core/registry"
	"github.com/virtues-os/core/streamfactory"
	"github.com/virtues-os/core/streamwriter"
	"github.com/virtues-os/core/synclog"
	"github.com/virtues-os/core/transform"
)

// Handler serves POST /ingest for every device-authenticated push stream.
type Handler struct {
	devices   *database.DeviceRepository
	factory   *streamfactory.Factory
	writer    *streamwriter.Writer
	archiver  *archive.Archiver
	transform *transform.Registry
	synclog   *synclog.Logger
	log       *logging.Logger
	metrics   *metrics.Metrics
}

func NewHandler(devices *database.DeviceRepository, factory *streamfactory.Factory, writer *streamwriter.Writer, archiver *archive.Archiver, transformReg *transform.Registry, syncLogger *synclog.Logger, log *logging.Logger) *Handler {
	return &Handler{devices: devices, factory: factory, writer: writer, archiver: archiver, transform: transformReg, synclog: syncLogger, log: log}
}

// WithMetrics attaches a Metrics recorder for per-request outcome counts.
func (h *Handler) WithMetrics(m *metrics.Metrics) *Handler {
	h.metrics = m
	return h
}

// batchRequest is the wire shape a device posts: a stream name plus a batch
// of opaque record envelopes, each expected to carry a top-level
// "occurred_at" timestamp the pipeline uses for archival partitioning.
type batchRequest struct {
	Stream  string            `json:"stream"`
	Records []json.RawMessage `json:"records"`
}

type batchResponse struct {
	Accepted       int    `json:"accepted"`
	Rejected       int    `json:"rejected"`
	NextCheckpoint string `json:"next_checkpoint,omitempty"`
}

type recordEnvelope struct {
	ID         string `json:"id"`
	OccurredAt string `json:"occurred_at"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	device, provider, err := h.authenticate(r)
	if err != nil {
		h.metrics.IngestRequest("unauthorized")
		h.log.LogSecurityEvent(r.Context(), "device_auth_rejected", map[string]interface{}{
			"client_ip": httputil.ClientIP(r),
			"reason":    err.Error(),
		})
		httputil.Unauthorized(w, err.Error())
		return
	}

	var req batchRequest
	if !httputil.DecodeJSON(w, r, &req) {
		h.metrics.IngestRequest("bad_request")
		return
	}
	if req.Stream == "" || len(req.Records) == 0 {
		h.metrics.IngestRequest("bad_request")
		httputil.BadRequest(w, "stream and records are required")
		return
	}

	ctx := r.Context()
	instance, err := h.factory.Create(ctx, device.SourceConnectionID, provider, req.Stream)
	if err != nil {
		h.metrics.IngestRequest("bad_request")
		httputil.BadRequest(w, err.Error())
		return
	}
	if instance.Push == nil {
		h.metrics.IngestRequest("bad_request")
		httputil.BadRequest(w, "stream does not accept pushed records")
		return
	}

	now := time.Now()
	records := make([]registry.Record, 0, len(req.Records))
	for i, raw := range req.Records {
		var env recordEnvelope
		occurredAt := now
		if err := json.Unmarshal(raw, &env); err == nil && env.OccurredAt != "" {
			if parsed, err := time.Parse(time.RFC3339, env.OccurredAt); err == nil {
				occurredAt = parsed
			}
		}
		recordID := env.ID
		if recordID == "" {
			recordID = device.ID + ":" + req.Stream + ":" + now.Format("150405.000000") + ":" + strconv.Itoa(i)
		}
		records = append(records, registry.Record{SourceStreamID: recordID, OccurredAt: occurredAt, Payload: raw})
	}

	attempt := h.synclog.Start(device.SourceConnectionID, req.Stream, "push", "")
	result, err := instance.Push.ReceivePush(ctx, records)
	if err != nil {
		h.synclog.Failure(ctx, attempt, err)
		h.metrics.IngestRequest("failed")
		httputil.InternalError(w, "ingest failed")
		return
	}

	// Every submitted record is archived and transformed regardless of the
	// stream's own accepted/rejected accounting: ReceivePush's counts are
	// feedback for the device, not a filter, since each transform already
	// skips records it can't parse (defense in depth, not double validation).
	// Records land in the Stream Writer and are drained back out through
	// MemoryDataSource before archiving, the same hot-path buffer the pull
	// side (syncengine.Engine) feeds through.
	h.writer.Append(device.SourceConnectionID, req.Stream, records, now)
	drained, err := datasource.NewMemoryDataSource(h.writer, device.SourceConnectionID, req.Stream).Records(ctx)
	if err != nil {
		h.synclog.Failure(ctx, attempt, err)
		h.metrics.IngestRequest("failed")
		httputil.InternalError(w, "ingest failed")
		return
	}
	h.archiver.Spawn(ctx, device.SourceConnectionID, provider, req.Stream, drained, nil)

	written := result.Accepted
	if t, ok := h.transform.For(provider, req.Stream); ok {
		start := time.Now()
		if n, err := t.Apply(ctx, device.SourceConnectionID, drained); err != nil {
			h.metrics.TransformBatch(t.Ontology(), "failed", time.Since(start).Seconds())
			h.log.Error(ctx, "ingest: transform failed", err, map[string]interface{}{"provider": provider, "stream": req.Stream})
		} else {
			h.metrics.TransformBatch(t.Ontology(), "success", time.Since(start).Seconds())
			written = n
		}
	}

	if result.Rejected > 0 {
		h.synclog.Partial(ctx, attempt, len(records), written, result.Rejected, result.NextCheckpoint)
		h.metrics.IngestRequest("partial")
	} else {
		h.synclog.Success(ctx, attempt, len(records), written, result.NextCheckpoint)
		h.metrics.IngestRequest("success")
	}
	h.metrics.RecordsWritten(provider, req.Stream, written)

	_ = h.devices.TouchLastSeen(ctx, device.ID)
	httputil.WriteJSON(w, http.StatusOK, batchResponse{Accepted: result.Accepted, Rejected: result.Rejected, NextCheckpoint: result.NextCheckpoint})
}

func (h *Handler) authenticate(r *http.Request) (*database.Device, string, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, "", svcerrors.Unauthorized("missing device token")
	}
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	device, provider, err := h.devices.FindByTokenHash(r.Context(), hash)
	if err != nil {
		return nil, "", svcerrors.DeviceTokenInvalid()
	}
	return device, provider, nil
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-Device-Token")
}
