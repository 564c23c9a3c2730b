package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fieldnote/coordinator/internal/domain"
)

type speciesRow struct {
	Code           string         `db:"code"`
	CommonName     string         `db:"common_name"`
	ScientificName string         `db:"scientific_name"`
	ImageURL       sql.NullString `db:"image_url"`
	GifURL         sql.NullString `db:"gif_url"`
	CreatedAt      sql.NullTime   `db:"created_at"`
}

func (r speciesRow) toDomain() domain.Species {
	s := domain.Species{Code: r.Code, CommonName: r.CommonName, ScientificName: r.ScientificName}
	s.ImageURL = r.ImageURL.String
	s.GifURL = r.GifURL.String
	if r.CreatedAt.Valid {
		s.CreatedAt = r.CreatedAt.Time
	}
	return s
}

// UpsertSpecies creates the species row the first time the classifier
// names it, and is a no-op on the identifying fields thereafter — art
// fields are only ever touched by SetSpeciesAsset.
func (p *Postgres) UpsertSpecies(ctx context.Context, s domain.Species) (domain.Species, error) {
	const q = `
		INSERT INTO species (code, common_name, scientific_name, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (code) DO UPDATE SET
			common_name = EXCLUDED.common_name,
			scientific_name = EXCLUDED.scientific_name
		RETURNING code, common_name, scientific_name, image_url, gif_url, created_at
	`
	var row speciesRow
	if err := p.db.QueryRowxContext(ctx, q, s.Code, s.CommonName, s.ScientificName).StructScan(&row); err != nil {
		return domain.Species{}, fmt.Errorf("repository: upsert species: %w", err)
	}
	return row.toDomain(), nil
}

func (p *Postgres) GetSpecies(ctx context.Context, code string) (domain.Species, error) {
	const q = `SELECT code, common_name, scientific_name, image_url, gif_url, created_at FROM species WHERE code = $1`
	var row speciesRow
	if err := p.db.QueryRowxContext(ctx, q, code).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Species{}, domain.ErrNotFound
		}
		return domain.Species{}, fmt.Errorf("repository: get species: %w", err)
	}
	return row.toDomain(), nil
}

// SetSpeciesAsset sets image_url/gif_url the first time art is generated
// for a species. The WHERE guard makes "first writer wins" a database
// invariant instead of an in-process lock: a second concurrent generation
// for the same species sees zero rows affected and returns ErrAssetConflict
// so its caller discards the (wasted, but harmless) art it generated.
func (p *Postgres) SetSpeciesAsset(ctx context.Context, code, imageURL, gifURL string) (domain.Species, error) {
	const q = `
		UPDATE species SET image_url = $2, gif_url = $3
		WHERE code = $1 AND image_url IS NULL AND gif_url IS NULL
		RETURNING code, common_name, scientific_name, image_url, gif_url, created_at
	`
	var row speciesRow
	err := p.db.QueryRowxContext(ctx, q, code, imageURL, gifURL).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := p.GetSpecies(ctx, code)
		if getErr != nil {
			return domain.Species{}, getErr
		}
		if existing.HasAsset() {
			return domain.Species{}, domain.ErrAssetConflict
		}
		return domain.Species{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Species{}, fmt.Errorf("repository: set species asset: %w", err)
	}
	return row.toDomain(), nil
}
