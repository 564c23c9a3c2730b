package inference

import (
	"context"

	"github.com/fieldnote/coordinator/internal/circuitbreaker"
)

// GenerateResult is the art-generation service's output for one species.
type GenerateResult struct {
	ImageURL string `json:"imageUrl"`
	GifURL   string `json:"gifUrl"`
}

type generateRequest struct {
	SpeciesCode    string `json:"speciesCode"`
	CommonName     string `json:"commonName"`
	ScientificName string `json:"scientificName"`
}

// Generator calls the external species-art generation service. Its
// failures are lower-stakes than the Classifier's — the pipeline notes
// NoteArtUnavailable on the capture and still processes it, it does
// not fail it (§7) — but it still runs behind its own breaker so a down
// generator fails fast instead of queuing every capture behind its timeout.
type Generator struct {
	client *resilientClient
}

// NewGenerator builds a Generator bound to its own circuit breaker.
func NewGenerator(cfg ClientConfig, breakerMgr *circuitbreaker.Manager) *Generator {
	cfg.Breaker = breakerMgr.Generator()
	return &Generator{client: newResilientClient(cfg)}
}

// Generate requests art for a species. idempotencyKey should be the
// species code, since art generation is one-per-species, not one-per-call.
func (g *Generator) Generate(ctx context.Context, speciesCode, commonName, scientificName string) (GenerateResult, error) {
	var result GenerateResult
	req := generateRequest{SpeciesCode: speciesCode, CommonName: commonName, ScientificName: scientificName}
	if err := g.client.doJSON(ctx, "/v1/generate", speciesCode, req, &result); err != nil {
		return GenerateResult{}, err
	}
	return result, nil
}
