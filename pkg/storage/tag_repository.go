/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/errors"
	"github.com/jordigilh/gimc/pkg/models"
)

// TagRepository owns the shared tag table and its association tables.
type TagRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewTagRepository(db *sqlx.DB, logger *zap.Logger) *TagRepository {
	return &TagRepository{db: db, logger: logger}
}

// GetOrCreate returns the tag with the given key and value, creating it on
// first use.
func (r *TagRepository) GetOrCreate(ctx context.Context, key, value string) (*models.Tag, error) {
	var t models.Tag
	err := r.db.GetContext(ctx, &t, `
		INSERT INTO tag (key, value) VALUES ($1, $2)
		ON CONFLICT ON CONSTRAINT tag_key_value_unique
			DO UPDATE SET key = EXCLUDED.key
		RETURNING id, key, value, date_added`, key, value)
	if err != nil {
		return nil, errors.NewDatabaseError("get or create tag", err)
	}
	return &t, nil
}

// AttachToCandidate associates a tag with a candidate, ignoring duplicates.
func (r *TagRepository) AttachToCandidate(ctx context.Context, candidateHash string, tagID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO candidate_tag (candidate_hash, tag_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, candidateHash, tagID)
	if err != nil {
		return errors.NewDatabaseError("attach tag to candidate", err)
	}
	return nil
}

// AttachToSample associates a tag with a sample, ignoring duplicates.
func (r *TagRepository) AttachToSample(ctx context.Context, sampleSHA256 string, tagID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sample_tag (sample_sha256, tag_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, sampleSHA256, tagID)
	if err != nil {
		return errors.NewDatabaseError("attach tag to sample", err)
	}
	return nil
}

// ListForSample returns every tag on a sample.
func (r *TagRepository) ListForSample(ctx context.Context, sampleSHA256 string) ([]models.Tag, error) {
	var out []models.Tag
	err := r.db.SelectContext(ctx, &out, `
		SELECT t.id, t.key, t.value, t.date_added FROM tag t
		JOIN sample_tag st ON st.tag_id = t.id
		WHERE st.sample_sha256 = $1
		ORDER BY t.key, t.value`, sampleSHA256)
	if err != nil {
		return nil, errors.NewDatabaseError("list sample tags", err)
	}
	return out, nil
}

// FindSamplesByTagValues returns sample hashes carrying any tag whose value
// is in values.
func (r *TagRepository) FindSamplesByTagValues(ctx context.Context, values []string) ([]string, error) {
	var out []string
	err := r.db.SelectContext(ctx, &out, `
		SELECT DISTINCT st.sample_sha256 FROM sample_tag st
		JOIN tag t ON t.id = st.tag_id
		WHERE t.value = ANY($1)
		ORDER BY st.sample_sha256`, pq.Array(values))
	if err != nil {
		return nil, errors.NewDatabaseError("find samples by tag", err)
	}
	return out, nil
}

// ParseTagList parses a comma-separated "k=v" list as supplied on sample
// upload.
func ParseTagList(raw string) ([]models.Tag, error) {
	var out []models.Tag
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" || value == "" {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid tag %q, expected key=value", pair))
		}
		out = append(out, models.Tag{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	return out, nil
}
