// Package pipeline implements the Capture Pipeline (§4.4): the state
// machine that drives a Capture from pending through to processed or
// failed, exactly once per active worker, via the repository's conditional
// transitionCapture as the sole coordination point. Grounded on the
// teacher's job-processing shape in internal/webhooks.Dispatcher.deliver —
// claim, do the work, record the terminal outcome — generalized from one
// HTTP delivery attempt into the six-step classify/generate state machine.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fieldnote/coordinator/internal/blobstore"
	"github.com/fieldnote/coordinator/internal/clock"
	"github.com/fieldnote/coordinator/internal/domain"
	"github.com/fieldnote/coordinator/internal/events"
	"github.com/fieldnote/coordinator/internal/inference"
	"github.com/fieldnote/coordinator/internal/repository"
)

// JobTimeout is the default per-capture deadline (§4.5): exceeding it
// terminates the capture with ReasonDeadline instead of leaving it to the
// reaper, unless a step has already moved it to a terminal state.
const JobTimeout = 60 * time.Second

// Classifier is the subset of inference.Classifier the pipeline needs,
// narrowed to ease testing with a fake.
type Classifier interface {
	Classify(ctx context.Context, captureID string, clipBytes []byte, contentType string) (inference.ClassifyResult, error)
}

// Generator is the subset of inference.Generator the pipeline needs.
type Generator interface {
	Generate(ctx context.Context, speciesCode, commonName, scientificName string) (inference.GenerateResult, error)
}

// Pipeline runs the classify/generate state machine for one capture at a
// time. It implements dispatcher.Processor.
type Pipeline struct {
	repo       repository.Repository
	clips      blobstore.Store
	assets     blobstore.Store
	classifier Classifier
	generator  Generator
	bus        *events.Bus
	clock      clock.Clock
}

// Config wires a Pipeline's collaborators.
type Config struct {
	Repo       repository.Repository
	Clips      blobstore.Store
	Assets     blobstore.Store
	Classifier Classifier
	Generator  Generator
	Bus        *events.Bus
	Clock      clock.Clock
}

// New builds a Pipeline. Clock defaults to clock.Real{}.
func New(cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Pipeline{
		repo:       cfg.Repo,
		clips:      cfg.Clips,
		assets:     cfg.Assets,
		classifier: cfg.Classifier,
		generator:  cfg.Generator,
		bus:        cfg.Bus,
		clock:      cfg.Clock,
	}
}

// Process runs the pipeline for captureID to a terminal state, applying
// the JobTimeout deadline budget from §4.5. It satisfies
// dispatcher.Processor.
func (p *Pipeline) Process(ctx context.Context, captureID string) error {
	ctx, cancel := context.WithTimeout(ctx, JobTimeout)
	defer cancel()
	err := p.Run(ctx, captureID)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// A step that ran out of budget can leave the capture mid-flight
		// (its own write fails on the expired ctx); terminate it here.
		p.failTerminal(context.WithoutCancel(ctx), captureID,
			[]domain.CaptureStatus{domain.StatusClassifying, domain.StatusClassified, domain.StatusGenerating},
			domain.ReasonDeadline)
	}
	return err
}

// Run executes steps 1-6 of §4.4 for captureID. A silent, non-error return
// means the capture was already claimed, advanced, or terminated by
// another worker or the reaper — by design, so dispatcher retries are
// always safe.
func (p *Pipeline) Run(ctx context.Context, captureID string) error {
	capt, err := p.claim(ctx, captureID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil
		}
		return err
	}

	if ctx.Err() != nil {
		p.failTerminal(context.WithoutCancel(ctx), capt.ID, []domain.CaptureStatus{domain.StatusClassifying}, domain.ReasonDeadline)
		return ctx.Err()
	}

	clip, err := p.clips.Get(ctx, capt.ClipKey)
	if err != nil {
		p.failTerminal(ctx, capt.ID, []domain.CaptureStatus{domain.StatusClassifying}, domain.ReasonClipMissing)
		return nil
	}

	classified, err := p.classify(ctx, capt, clip)
	if err != nil {
		return nil
	}

	return p.resolveArt(ctx, classified)
}

// claim is step 1: pending -> classifying, attempt += 1.
func (p *Pipeline) claim(ctx context.Context, captureID string) (domain.Capture, error) {
	return p.repo.TransitionCapture(ctx, captureID,
		[]domain.CaptureStatus{domain.StatusPending},
		domain.StatusClassifying,
		domain.CapturePatch{IncAttempt: true},
	)
}

// classify is step 3: call the Classifier, upsert the Species, and record
// the outcome. The clip bytes fetched from the clip store are uploaded to
// the classifier directly (multipart audio, per §6), not referenced by URL.
func (p *Pipeline) classify(ctx context.Context, capt domain.Capture, clip []byte) (domain.Capture, error) {
	result, err := p.classifier.Classify(ctx, capt.ID, clip, "audio/wav")
	if err != nil {
		reason := reasonForInferenceError(err)
		p.failTerminal(ctx, capt.ID, []domain.CaptureStatus{domain.StatusClassifying}, reason)
		return domain.Capture{}, err
	}

	species, err := p.repo.UpsertSpecies(ctx, domain.Species{
		Code:           result.SpeciesCode,
		CommonName:     result.CommonName,
		ScientificName: result.ScientificName,
	})
	if err != nil {
		p.failTerminal(ctx, capt.ID, []domain.CaptureStatus{domain.StatusClassifying}, domain.ReasonUnavailable)
		return domain.Capture{}, err
	}

	speciesID := species.Code
	confidence := result.Confidence
	updated, err := p.repo.TransitionCapture(ctx, capt.ID,
		[]domain.CaptureStatus{domain.StatusClassifying},
		domain.StatusClassified,
		domain.CapturePatch{SpeciesID: &speciesID, Confidence: &confidence},
	)
	if err != nil {
		return domain.Capture{}, err
	}

	p.bus.Emit(events.TopicCaptureClassified, updated.ID, updated.OwnerUserID, map[string]any{
		"status":     string(updated.Status),
		"species":    updated.SpeciesID,
		"confidence": updated.Confidence,
	})
	updated.SpeciesID = species.Code
	return updated, nil
}

// resolveArt is steps 4-6: finish immediately if the species already has
// art, otherwise call the Generator and tolerate it failing or losing the
// setSpeciesAsset race.
func (p *Pipeline) resolveArt(ctx context.Context, capt domain.Capture) error {
	species, err := p.repo.GetSpecies(ctx, capt.SpeciesID)
	if err != nil {
		return err
	}

	if species.HasAsset() {
		return p.finishProcessed(ctx, capt, "")
	}

	generating, err := p.repo.TransitionCapture(ctx, capt.ID,
		[]domain.CaptureStatus{domain.StatusClassified},
		domain.StatusGenerating,
		domain.CapturePatch{},
	)
	if err != nil {
		return nil // already advanced by another worker/reaper
	}

	result, err := p.generator.Generate(ctx, species.Code, species.CommonName, species.ScientificName)
	if err != nil {
		slog.Info("pipeline: art generation failed, capture still classified", "captureId", capt.ID, "species", species.Code, "error", err)
		return p.finishProcessed(ctx, generating, domain.NoteArtUnavailable)
	}

	// The generation service returns finished asset bytes; re-host them
	// under our own key so assetStore.exists/get never depend on the
	// upstream service staying reachable (§4.1's "durable URL" contract).
	imageURL, err := p.assets.Put(ctx, blobstore.AssetKey(species.Code)+".png", []byte(result.ImageURL), "image/png")
	if err != nil {
		slog.Warn("pipeline: asset store put failed", "species", species.Code, "error", err)
		return p.finishProcessed(ctx, generating, domain.NoteArtUnavailable)
	}
	gifURL := result.GifURL

	if _, err := p.repo.SetSpeciesAsset(ctx, species.Code, imageURL, gifURL); err != nil {
		if !errors.Is(err, domain.ErrAssetConflict) {
			return err
		}
		// Another worker's asset won the race; ours is discarded, the
		// capture still finishes successfully.
	} else {
		p.bus.Emit(events.TopicSpeciesAssetReady, species.Code, "", map[string]any{
			"imageUrl": imageURL,
			"gifUrl":   gifURL,
		})
	}

	return p.finishProcessed(ctx, generating, "")
}

func (p *Pipeline) finishProcessed(ctx context.Context, capt domain.Capture, note string) error {
	now := p.clock.Now()
	patch := domain.CapturePatch{ProcessedAt: &now}
	if note != "" {
		patch.Note = &note
	}
	updated, err := p.repo.TransitionCapture(ctx, capt.ID,
		[]domain.CaptureStatus{domain.StatusClassified, domain.StatusGenerating},
		domain.StatusProcessed,
		patch,
	)
	if err != nil {
		return nil
	}

	p.bus.Emit(events.TopicCaptureProcessed, updated.ID, updated.OwnerUserID, map[string]any{
		"status":     string(updated.Status),
		"species":    updated.SpeciesID,
		"confidence": updated.Confidence,
		"note":       updated.Note,
	})
	return nil
}

// failTerminal transitions capt to failed with reason, from any of the
// given non-terminal fromStates, and publishes capture.failed. Errors from
// the transition itself are swallowed: if it fails, the capture has
// already moved on and there is nothing left to record.
func (p *Pipeline) failTerminal(ctx context.Context, captureID string, from []domain.CaptureStatus, reason string) {
	updated, err := p.repo.TransitionCapture(ctx, captureID,
		from,
		domain.StatusFailed,
		domain.CapturePatch{FailureReason: &reason},
	)
	if err != nil {
		return
	}
	p.bus.Emit(events.TopicCaptureFailed, updated.ID, updated.OwnerUserID, map[string]any{
		"status": string(updated.Status),
		"reason": updated.FailureReason,
	})
}

// Abort fails captureID with reason from any non-terminal state, without
// running it. It satisfies dispatcher.Failer: the dispatcher calls this
// for captures that never left its queue before shutdown, since they were
// never claimed and so sit in StatusPending.
func (p *Pipeline) Abort(ctx context.Context, captureID, reason string) {
	p.failTerminal(ctx, captureID, nonTerminalStates, reason)
}

func reasonForInferenceError(err error) string {
	var callErr *inference.CallError
	if !errors.As(err, &callErr) {
		return domain.ReasonUnavailable
	}
	switch callErr.Outcome {
	case inference.OutcomeTimeout:
		return domain.ReasonTimeout
	case inference.OutcomeBadUpstream:
		return domain.ReasonBadUpstream
	default:
		return domain.ReasonUnavailable
	}
}

