package inference

import (
	"context"

	"github.com/fieldnote/coordinator/internal/circuitbreaker"
)

// ClassifyResult is the species-ID service's verdict for one clip.
type ClassifyResult struct {
	SpeciesCode    string  `json:"speciesCode"`
	CommonName     string  `json:"commonName"`
	ScientificName string  `json:"scientificName"`
	Confidence     float64 `json:"confidence"`
}

// Classifier calls the external species-ID service.
type Classifier struct {
	client *resilientClient
}

// NewClassifier builds a Classifier bound to its own circuit breaker so a
// flapping classifier never starves the Generator's breaker budget.
func NewClassifier(cfg ClientConfig, breakerMgr *circuitbreaker.Manager) *Classifier {
	cfg.Breaker = breakerMgr.Classifier()
	return &Classifier{client: newResilientClient(cfg)}
}

// Classify uploads the clip's audio bytes as multipart/form-data and
// returns the top species match. idempotencyKey should be the Capture id,
// so a retried call the upstream sees twice is recognized as the same
// request.
func (c *Classifier) Classify(ctx context.Context, captureID string, clipBytes []byte, contentType string) (ClassifyResult, error) {
	var result ClassifyResult
	err := c.client.doMultipart(ctx, "/v1/classify", captureID,
		map[string]string{"captureId": captureID},
		"clip", captureID+".clip", contentType, clipBytes, &result)
	if err != nil {
		return ClassifyResult{}, err
	}
	return result, nil
}
