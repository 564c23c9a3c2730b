package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldnote/coordinator/internal/blobstore"
	"github.com/fieldnote/coordinator/internal/clock"
	"github.com/fieldnote/coordinator/internal/domain"
	"github.com/fieldnote/coordinator/internal/events"
	"github.com/fieldnote/coordinator/internal/inference"
	"github.com/fieldnote/coordinator/internal/repository/memtest"
)

type fakeClassifier struct {
	result        inference.ClassifyResult
	err           error
	receivedBytes []byte
}

func (f *fakeClassifier) Classify(_ context.Context, _ string, clipBytes []byte, _ string) (inference.ClassifyResult, error) {
	f.receivedBytes = clipBytes
	return f.result, f.err
}

type fakeGenerator struct {
	result inference.GenerateResult
	err    error
	calls  int
}

func (f *fakeGenerator) Generate(context.Context, string, string, string) (inference.GenerateResult, error) {
	f.calls++
	return f.result, f.err
}

func newTestPipeline(t *testing.T, classifier Classifier, generator Generator) (*Pipeline, *memtest.Repository, *events.Bus) {
	t.Helper()
	repo := memtest.New()
	bus := events.New(16)
	clips := blobstore.NewMemoryStore()
	assets := blobstore.NewMemoryStore()

	p := New(Config{
		Repo:       repo,
		Clips:      clips,
		Assets:     assets,
		Classifier: classifier,
		Generator:  generator,
		Bus:        bus,
		Clock:      clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	return p, repo, bus
}

func seedCapture(t *testing.T, repo *memtest.Repository, clips blobstore.Store, clipBytes []byte) domain.Capture {
	t.Helper()
	key := blobstore.ClipKey(clipBytes)
	_, err := clips.Put(context.Background(), key, clipBytes, "audio/wav")
	require.NoError(t, err)

	c, err := repo.CreateCapture(context.Background(), domain.Capture{
		ID:          "capture-1",
		OwnerUserID: "user-1",
		DeviceID:    "device-1",
		ClipKey:     key,
		DeviceSeq:   1,
		ReceivedAt:  time.Now(),
		Status:      domain.StatusPending,
	})
	require.NoError(t, err)
	return c
}

func TestPipeline_ClassifyThenGenerate_Processed(t *testing.T) {
	classifier := &fakeClassifier{result: inference.ClassifyResult{SpeciesCode: "robin", CommonName: "American Robin", Confidence: 0.9}}
	generator := &fakeGenerator{result: inference.GenerateResult{ImageURL: "http://art/robin.png", GifURL: "http://art/robin.gif"}}
	p, repo, bus := newTestPipeline(t, classifier, generator)

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	capture := seedCapture(t, repo, p.clips, []byte("clip-bytes"))

	err := p.Run(context.Background(), capture.ID)
	require.NoError(t, err)

	final, err := repo.GetCapture(context.Background(), capture.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, final.Status)
	assert.Equal(t, "robin", final.SpeciesID)
	assert.Equal(t, 1, generator.calls)
	assert.Equal(t, []byte("clip-bytes"), classifier.receivedBytes, "classifier must receive the actual clip bytes, not a URL reference")

	species, err := repo.GetSpecies(context.Background(), "robin")
	require.NoError(t, err)
	assert.True(t, species.HasAsset())

	sawProcessed := false
	draining := true
	for draining {
		select {
		case evt := <-sub:
			if evt.Type == events.TopicCaptureProcessed {
				sawProcessed = true
			}
		default:
			draining = false
		}
	}
	assert.True(t, sawProcessed)
}

func TestPipeline_ExistingSpeciesAsset_SkipsGenerate(t *testing.T) {
	classifier := &fakeClassifier{result: inference.ClassifyResult{SpeciesCode: "jay", Confidence: 0.8}}
	generator := &fakeGenerator{}
	p, repo, _ := newTestPipeline(t, classifier, generator)

	_, err := repo.UpsertSpecies(context.Background(), domain.Species{Code: "jay", CommonName: "Blue Jay"})
	require.NoError(t, err)
	_, err = repo.SetSpeciesAsset(context.Background(), "jay", "http://art/jay.png", "")
	require.NoError(t, err)

	capture := seedCapture(t, repo, p.clips, []byte("clip-bytes-2"))
	require.NoError(t, p.Run(context.Background(), capture.ID))

	assert.Equal(t, 0, generator.calls)
	final, err := repo.GetCapture(context.Background(), capture.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, final.Status)
}

func TestPipeline_GeneratorFailure_StillProcessed(t *testing.T) {
	classifier := &fakeClassifier{result: inference.ClassifyResult{SpeciesCode: "wren", Confidence: 0.7}}
	generator := &fakeGenerator{err: errors.New("generator unavailable")}
	p, repo, _ := newTestPipeline(t, classifier, generator)

	capture := seedCapture(t, repo, p.clips, []byte("clip-bytes-3"))
	require.NoError(t, p.Run(context.Background(), capture.ID))

	final, err := repo.GetCapture(context.Background(), capture.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, final.Status)
	assert.Equal(t, domain.NoteArtUnavailable, final.Note)
}

func TestPipeline_ClassifierFailure_Failed(t *testing.T) {
	classifier := &fakeClassifier{err: &inference.CallError{Outcome: inference.OutcomeTimeout, Err: errors.New("timed out")}}
	p, repo, _ := newTestPipeline(t, classifier, &fakeGenerator{})

	capture := seedCapture(t, repo, p.clips, []byte("clip-bytes-4"))
	require.NoError(t, p.Run(context.Background(), capture.ID))

	final, err := repo.GetCapture(context.Background(), capture.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.ReasonTimeout, final.FailureReason)
}

func TestPipeline_ClipMissing_FailsWithReason(t *testing.T) {
	classifier := &fakeClassifier{result: inference.ClassifyResult{SpeciesCode: "robin"}}
	p, repo, _ := newTestPipeline(t, classifier, &fakeGenerator{})

	capture, err := repo.CreateCapture(context.Background(), domain.Capture{
		ID:          "capture-missing",
		OwnerUserID: "user-1",
		DeviceID:    "device-1",
		ClipKey:     "does-not-exist",
		DeviceSeq:   1,
		ReceivedAt:  time.Now(),
		Status:      domain.StatusPending,
	})
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background(), capture.ID))

	final, err := repo.GetCapture(context.Background(), capture.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.ReasonClipMissing, final.FailureReason)
}

func TestPipeline_AlreadyClaimed_RunIsNoop(t *testing.T) {
	classifier := &fakeClassifier{result: inference.ClassifyResult{SpeciesCode: "robin"}}
	p, repo, _ := newTestPipeline(t, classifier, &fakeGenerator{})

	capture := seedCapture(t, repo, p.clips, []byte("clip-bytes-5"))
	_, err := repo.TransitionCapture(context.Background(), capture.ID,
		[]domain.CaptureStatus{domain.StatusPending}, domain.StatusClassifying, domain.CapturePatch{IncAttempt: true})
	require.NoError(t, err)

	err = p.Run(context.Background(), capture.ID)
	require.NoError(t, err)

	final, err := repo.GetCapture(context.Background(), capture.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClassifying, final.Status)
}
