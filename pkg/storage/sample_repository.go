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
	"database/sql"
	stderrors "errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/errors"
	"github.com/jordigilh/gimc/pkg/models"
)

// SampleRepository owns the sample table.
type SampleRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewSampleRepository(db *sqlx.DB, logger *zap.Logger) *SampleRepository {
	return &SampleRepository{db: db, logger: logger}
}

const sampleColumns = `sha256, md5, sha1, sha224, sha384, sha512, filepath, date_added`

// Upsert stores or refreshes a sample record keyed on its sha256.
func (r *SampleRepository) Upsert(ctx context.Context, s *models.Sample) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sample (sha256, md5, sha1, sha224, sha384, sha512, filepath)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sha256) DO UPDATE SET
			md5 = EXCLUDED.md5,
			sha1 = EXCLUDED.sha1,
			sha224 = EXCLUDED.sha224,
			sha384 = EXCLUDED.sha384,
			sha512 = EXCLUDED.sha512,
			filepath = EXCLUDED.filepath`,
		s.SHA256, s.MD5, s.SHA1, s.SHA224, s.SHA384, s.SHA512, s.Filepath)
	if err != nil {
		return errors.NewDatabaseError("upsert sample", err)
	}
	return nil
}

// HashKind names the digest column a hash length selects.
type HashKind string

const (
	HashMD5    HashKind = "md5"
	HashSHA1   HashKind = "sha1"
	HashSHA224 HashKind = "sha224"
	HashSHA256 HashKind = "sha256"
	HashSHA384 HashKind = "sha384"
	HashSHA512 HashKind = "sha512"
)

// KindForHash infers the digest algorithm from the hex length.
func KindForHash(hash string) (HashKind, error) {
	switch len(hash) {
	case 32:
		return HashMD5, nil
	case 40:
		return HashSHA1, nil
	case 56:
		return HashSHA224, nil
	case 64:
		return HashSHA256, nil
	case 96:
		return HashSHA384, nil
	case 128:
		return HashSHA512, nil
	default:
		return "", errors.NewValidationError("invalid hash")
	}
}

// GetByHash locates a sample by any of its digests, inferring the digest
// kind from the hash length.
func (r *SampleRepository) GetByHash(ctx context.Context, hash string) (*models.Sample, error) {
	kind, err := KindForHash(hash)
	if err != nil {
		return nil, err
	}

	var s models.Sample
	// kind is one of the fixed column names above, never user input.
	err = r.db.GetContext(ctx, &s,
		`SELECT `+sampleColumns+` FROM sample WHERE `+string(kind)+` = $1`, hash)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("sample")
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get sample", err)
	}
	return &s, nil
}
