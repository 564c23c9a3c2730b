package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fieldnote/coordinator/internal/apierr"
	"github.com/fieldnote/coordinator/internal/auth"
	"github.com/fieldnote/coordinator/internal/blobstore"
	"github.com/fieldnote/coordinator/internal/clock"
	"github.com/fieldnote/coordinator/internal/dispatcher"
	"github.com/fieldnote/coordinator/internal/domain"
	"github.com/fieldnote/coordinator/internal/repository"
)

// allowedContentTypes are the audio formats uploadCapture accepts (§4.6
// step 3).
var allowedContentTypes = map[string]bool{
	"audio/wav":   true,
	"audio/x-wav": true,
	"audio/mpeg":  true,
	"audio/flac":  true,
	"audio/ogg":   true,
}

// UserResolver authenticates a request to a user id. *auth.Verifier is the
// production implementation; tests use a fake to avoid minting real JWTs.
type UserResolver interface {
	UserIDFromRequest(r *http.Request) (string, error)
}

// Deps bundles the dependencies every handler needs. Constructed once at
// startup and closed over by each handler constructor.
type Deps struct {
	Repo       repository.Repository
	Clips      blobstore.Store
	Dispatcher *dispatcher.Dispatcher
	Verifier   UserResolver
	IDs        clock.IDGenerator
	Clock      clock.Clock
	Limiter    Limiter
	MaxUpload  int64
	ClipPrefix string
}

// HandleRegisterDevice handles POST /v1/devices — idempotent; creates or
// updates the Device row for the authenticated user.
// Mirrors the teacher's HandleX(db) http.HandlerFunc constructor shape
// (internal/handlers/agents.go).
func HandleRegisterDevice(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := d.Verifier.UserIDFromRequest(r)
		if err != nil {
			writeError(w, authError(err))
			return
		}

		var body struct {
			DeviceID     string            `json:"deviceId"`
			Firmware     string            `json:"firmware"`
			Capabilities map[string]string `json:"capabilities"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apierr.New(apierr.KindBadRequest, "malformed request body"))
			return
		}
		if body.DeviceID == "" {
			writeError(w, apierr.New(apierr.KindBadRequest, "deviceId is required"))
			return
		}

		device, err := d.Repo.RegisterDevice(r.Context(), domain.Device{
			ID:           body.DeviceID,
			OwnerUserID:  userID,
			Firmware:     body.Firmware,
			Capabilities: body.Capabilities,
			RegisteredAt: d.Clock.Now(),
		})
		if err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternal, "failed to register device", err))
			return
		}

		writeJSON(w, http.StatusOK, device)
	}
}

// HandleHeartbeat handles POST /v1/devices/{deviceId}/heartbeat.
func HandleHeartbeat(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := d.Verifier.UserIDFromRequest(r)
		if err != nil {
			writeError(w, authError(err))
			return
		}
		deviceID := mux.Vars(r)["deviceId"]

		device, err := d.Repo.GetDevice(r.Context(), deviceID)
		if err != nil {
			writeError(w, notOwnedOrNotFound(err))
			return
		}
		if device.OwnerUserID != userID {
			writeError(w, apierr.New(apierr.KindNotOwned, "device not owned by authenticated user"))
			return
		}

		var body struct {
			BatteryMv int   `json:"batteryMv"`
			RSSI      int   `json:"rssi"`
			Seq       int64 `json:"seq"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apierr.New(apierr.KindBadRequest, "malformed request body"))
			return
		}

		if err := d.Repo.TouchDevice(r.Context(), deviceID, d.Clock.Now(), body.BatteryMv, body.RSSI, body.Seq); err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternal, "failed to record heartbeat", err))
			return
		}

		updated, err := d.Repo.GetDevice(r.Context(), deviceID)
		if err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternal, "failed to reload device", err))
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

// HandleUploadCapture handles POST /v1/captures — the critical path of
// §4.6, steps 1-8. The body is multipart/form-data per §6: audio_file
// (required), device_id, device_sequence, timestamp.
func HandleUploadCapture(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := d.Verifier.UserIDFromRequest(r)
		if err != nil {
			writeError(w, authError(err))
			return
		}

		// Step 2: size check via MaxBytesReader, before any part of the
		// multipart body is parsed — the request is rejected mid-stream
		// the instant it exceeds the cap, never buffered whole first.
		r.Body = http.MaxBytesReader(w, r.Body, d.MaxUpload)

		mr, err := r.MultipartReader()
		if err != nil {
			writeError(w, apierr.New(apierr.KindBadRequest, "expected multipart/form-data body"))
			return
		}

		var deviceID, timestampStr string
		var seq int64
		seqSet := false
		var clipBytes []byte
		var contentType string
		haveAudio := false

		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					writeError(w, apierr.New(apierr.KindPayloadTooLarge, "upload exceeds maximum size"))
					return
				}
				writeError(w, apierr.New(apierr.KindBadRequest, "malformed multipart body"))
				return
			}

			switch part.FormName() {
			case "device_id":
				deviceID = readPartString(part)
			case "device_sequence":
				n, perr := strconv.ParseInt(readPartString(part), 10, 64)
				if perr != nil || n < 0 {
					writeError(w, apierr.New(apierr.KindBadRequest, "invalid device_sequence"))
					return
				}
				seq, seqSet = n, true
			case "timestamp":
				timestampStr = readPartString(part)
			case "audio_file":
				contentType = part.Header.Get("Content-Type")
				if !allowedContentTypes[contentType] {
					writeError(w, apierr.New(apierr.KindBadRequest, fmt.Sprintf("unsupported content type %q", contentType)))
					return
				}
				data, rerr := io.ReadAll(part)
				if rerr != nil {
					writeError(w, apierr.New(apierr.KindPayloadTooLarge, "upload exceeds maximum size"))
					return
				}
				clipBytes = data
				haveAudio = true
			}
		}

		if deviceID == "" || !seqSet || !haveAudio {
			writeError(w, apierr.New(apierr.KindBadRequest, "device_id, device_sequence, and audio_file are required"))
			return
		}
		deviceTimestamp, err := time.Parse(time.RFC3339, timestampStr)
		if err != nil {
			writeError(w, apierr.New(apierr.KindBadRequest, "missing or invalid timestamp"))
			return
		}

		// Step 1: admission — verify ownership.
		device, err := d.Repo.GetDevice(r.Context(), deviceID)
		if err != nil {
			writeError(w, notOwnedOrNotFound(err))
			return
		}
		if device.OwnerUserID != userID {
			writeError(w, apierr.New(apierr.KindNotOwned, "device not owned by authenticated user"))
			return
		}

		// Step 4: per-device rate limit.
		if !d.Limiter.Allow(deviceID) {
			writeError(w, apierr.New(apierr.KindRateLimited, "device upload rate exceeded"))
			return
		}

		// Step 5: content-addressed clip store write, idempotent by hash.
		// The store key follows the persisted audio layout from §6:
		// <prefix>/<first-2-hex>/<hash>.wav.
		clipKey := blobstore.ClipKey(clipBytes)
		storeKey := blobstore.ClipPath(d.ClipPrefix, clipKey)
		if _, err := d.Clips.Put(r.Context(), storeKey, clipBytes, contentType); err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternal, "failed to store clip", err))
			return
		}

		// Step 6: create the Capture row; a duplicate sequence is an
		// idempotent replay, not an error.
		capture, err := d.Repo.CreateCapture(r.Context(), domain.Capture{
			ID:              d.IDs.NewID(),
			OwnerUserID:     userID,
			DeviceID:        deviceID,
			ClipKey:         storeKey,
			DeviceSeq:       seq,
			DeviceTimestamp: deviceTimestamp,
			ReceivedAt:      d.Clock.Now(),
			Status:          domain.StatusPending,
		})
		if errors.Is(err, domain.ErrDuplicateSequence) {
			existing, getErr := d.Repo.GetCaptureByDeviceSeq(r.Context(), deviceID, seq)
			if getErr != nil {
				writeError(w, apierr.Wrap(apierr.KindInternal, "failed to load existing capture", getErr))
				return
			}
			writeJSON(w, http.StatusOK, capturePayload(existing))
			return
		}
		if err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternal, "failed to create capture", err))
			return
		}

		// Step 7: submit to the dispatcher. Busy is resolved to an
		// immediate failed:Busy per the recommended default (§9 "Busy-at-
		// ingress persistence").
		if err := d.Dispatcher.Submit(r.Context(), capture.ID); errors.Is(err, dispatcher.ErrQueueFull) {
			reason := domain.ReasonBusy
			failed, terr := d.Repo.TransitionCapture(r.Context(), capture.ID,
				[]domain.CaptureStatus{domain.StatusPending}, domain.StatusFailed,
				domain.CapturePatch{FailureReason: &reason})
			if terr == nil {
				capture = failed
			}
			writeJSON(w, http.StatusAccepted, capturePayload(capture))
			return
		}

		// Step 8.
		writeJSON(w, http.StatusAccepted, capturePayload(capture))
	}
}

// HandleListCaptures handles GET /v1/captures?cursor=&limit=, returning
// {captures, next_cursor} per §6.
func HandleListCaptures(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := d.Verifier.UserIDFromRequest(r)
		if err != nil {
			writeError(w, authError(err))
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		cursor := r.URL.Query().Get("cursor")

		captures, nextCursor, err := d.Repo.ListCaptures(r.Context(), userID, cursor, limit)
		if errors.Is(err, domain.ErrInvalidCursor) {
			writeError(w, apierr.New(apierr.KindBadRequest, "invalid cursor"))
			return
		}
		if err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternal, "failed to list captures", err))
			return
		}

		payload := make([]any, len(captures))
		for i, c := range captures {
			payload[i] = capturePayload(c)
		}
		writeJSON(w, http.StatusOK, map[string]any{"captures": payload, "next_cursor": nextCursor})
	}
}

// readPartString reads a non-file multipart form part's full value as a
// string — used for the small scalar fields alongside audio_file.
func readPartString(part *multipart.Part) string {
	data, _ := io.ReadAll(io.LimitReader(part, 4096))
	return string(data)
}

// HandleGetCapture handles GET /v1/captures/{captureId}.
func HandleGetCapture(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := d.Verifier.UserIDFromRequest(r)
		if err != nil {
			writeError(w, authError(err))
			return
		}
		captureID := mux.Vars(r)["captureId"]

		capture, err := d.Repo.GetCapture(r.Context(), captureID)
		if err != nil {
			writeError(w, notOwnedOrNotFound(err))
			return
		}
		if capture.OwnerUserID != userID {
			writeError(w, apierr.New(apierr.KindNotOwned, "capture not owned by authenticated user"))
			return
		}
		writeJSON(w, http.StatusOK, capturePayload(capture))
	}
}

func authError(err error) *apierr.Error {
	if errors.Is(err, auth.ErrMissingToken) {
		return apierr.New(apierr.KindAuthMissing, "missing bearer token")
	}
	return apierr.New(apierr.KindAuthInvalid, "invalid bearer token")
}

func notOwnedOrNotFound(err error) *apierr.Error {
	if errors.Is(err, domain.ErrNotFound) {
		return apierr.New(apierr.KindNotFound, "not found")
	}
	return apierr.Wrap(apierr.KindInternal, "lookup failed", err)
}

func capturePayload(c domain.Capture) map[string]any {
	payload := map[string]any{
		"id":              c.ID,
		"deviceId":        c.DeviceID,
		"status":          string(c.Status),
		"deviceTimestamp": c.DeviceTimestamp.Format(time.RFC3339),
		"receivedAt":      c.ReceivedAt.Format(time.RFC3339),
		"species":         c.SpeciesID,
		"confidence":      c.Confidence,
		"note":            c.Note,
		"attempt":         c.Attempt,
	}
	if c.FailureReason != "" {
		payload["failureReason"] = c.FailureReason
	}
	if c.ProcessedAt != nil {
		payload["processedAt"] = c.ProcessedAt.Format(time.RFC3339)
	}
	return payload
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err *apierr.Error) {
	if seconds, ok := apierr.RetryAfter(err.Kind); ok {
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	writeJSON(w, apierr.StatusCode(err.Kind), map[string]string{
		"error":   string(err.Kind),
		"message": err.Error(),
	})
}
