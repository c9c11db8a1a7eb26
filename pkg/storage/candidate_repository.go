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

// Package storage implements the relational repositories behind the
// evaluation and sandbox services. Dispatch and terminal writes run inside
// row-locking transactions so no two VMs can ever hold the same work item.
package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/errors"
	"github.com/jordigilh/gimc/pkg/models"
)

// CandidateRepository owns the candidate table.
type CandidateRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewCandidateRepository(db *sqlx.DB, logger *zap.Logger) *CandidateRepository {
	return &CandidateRepository{db: db, logger: logger}
}

const candidateColumns = `hash, code, xml, makefile, unit_test, classification, status,
	f1, f2, f3, analysis_id, build_vm, error_message, date_added, date_updated`

// Upsert inserts a new candidate or, when the hash already exists, resets
// its mutable evaluation state while preserving associations. Idempotent on
// the hash.
func (r *CandidateRepository) Upsert(ctx context.Context, c *models.Candidate) error {
	query := `
		INSERT INTO candidate (hash, code, xml, makefile, unit_test, classification, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (hash) DO UPDATE SET
			code = EXCLUDED.code,
			xml = EXCLUDED.xml,
			makefile = EXCLUDED.makefile,
			unit_test = EXCLUDED.unit_test,
			classification = COALESCE(EXCLUDED.classification, candidate.classification),
			status = 0,
			f1 = NULL, f2 = NULL, f3 = NULL,
			analysis_id = NULL, build_vm = NULL, error_message = NULL,
			date_updated = now()`
	_, err := r.db.ExecContext(ctx, query,
		c.Hash, c.Code, c.XML, c.Makefile, c.UnitTest, c.Classification, models.CandidatePending)
	if err != nil {
		return errors.NewDatabaseError("upsert candidate", err)
	}
	r.logger.Info("candidate submitted", zap.String("candidate", short(c.Hash)))
	return nil
}

// Get fetches a candidate by hash.
func (r *CandidateRepository) Get(ctx context.Context, hash string) (*models.Candidate, error) {
	var c models.Candidate
	err := r.db.GetContext(ctx, &c,
		`SELECT `+candidateColumns+` FROM candidate WHERE hash = $1`, hash)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("candidate")
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get candidate", err)
	}
	return &c, nil
}

// Checkout atomically claims the oldest pending candidate for the named
// build VM. FOR UPDATE SKIP LOCKED makes concurrent checkins linearizable:
// two VMs can never claim the same row. Returns nil when the queue is empty.
func (r *CandidateRepository) Checkout(ctx context.Context, vmName string) (*models.Candidate, error) {
	var c models.Candidate
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &c, `
			SELECT `+candidateColumns+` FROM candidate
			WHERE status = $1
			ORDER BY date_added ASC, hash ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, models.CandidatePending)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errNoWork
		}
		if err != nil {
			return errors.NewDatabaseError("select pending candidate", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE candidate SET status = $1, build_vm = $2, date_updated = now()
			WHERE hash = $3`, models.CandidateBuilding, vmName, c.Hash)
		if err != nil {
			return errors.NewDatabaseError("claim candidate", err)
		}
		c.Status = models.CandidateBuilding
		c.BuildVM = &vmName
		return nil
	})
	if stderrors.Is(err, errNoWork) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.logger.Info("candidate dispatched",
		zap.String("candidate", short(c.Hash)), zap.String("vm", vmName))
	return &c, nil
}

// CandidateUpdate is a partial mutation from a build VM or the classifier
// monitor. Nil fields are left untouched.
type CandidateUpdate struct {
	Status       *models.CandidateStatus
	F1           *float64
	F2           *float64
	F3           *float64
	AnalysisID   *int64
	ErrorMessage *string
}

// Update applies a partial update under the candidate state machine. The row
// is locked, the transition validated, and terminal auto-fill applied: a
// move to complete or error with F3 still null forces F3 = 0. Returns the
// updated row.
func (r *CandidateRepository) Update(ctx context.Context, hash string, u CandidateUpdate) (*models.Candidate, error) {
	var c models.Candidate
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &c,
			`SELECT `+candidateColumns+` FROM candidate WHERE hash = $1 FOR UPDATE`, hash)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("candidate")
		}
		if err != nil {
			return errors.NewDatabaseError("lock candidate", err)
		}

		if u.Status != nil {
			if err := models.ValidateCandidateTransition(c.Status, *u.Status); err != nil {
				return err
			}
			c.Status = *u.Status
		} else if c.Status.Terminal() {
			// Late partial updates from a reclaimed agent are rejected.
			return errors.NewTransitionError("candidate is already " + c.Status.String())
		}
		if u.F1 != nil {
			c.F1 = u.F1
		}
		if u.F2 != nil {
			c.F2 = u.F2
		}
		if u.F3 != nil {
			c.F3 = u.F3
		}
		if u.AnalysisID != nil {
			c.AnalysisID = u.AnalysisID
		}
		if u.ErrorMessage != nil {
			c.ErrorMessage = u.ErrorMessage
		}
		if c.Status.Terminal() && c.F3 == nil {
			c.F3 = models.F64Ptr(0)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE candidate SET status = $1, f1 = $2, f2 = $3, f3 = $4,
				analysis_id = $5, error_message = $6, date_updated = now()
			WHERE hash = $7`,
			c.Status, c.F1, c.F2, c.F3, c.AnalysisID, c.ErrorMessage, hash)
		if err != nil {
			return errors.NewDatabaseError("update candidate", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ActiveForVM returns the candidate currently building on the named VM, or
// nil. Guards the one-candidate-per-VM invariant on checkin.
func (r *CandidateRepository) ActiveForVM(ctx context.Context, vmName string) (*models.Candidate, error) {
	var c models.Candidate
	err := r.db.GetContext(ctx, &c, `
		SELECT `+candidateColumns+` FROM candidate
		WHERE status = $1 AND build_vm = $2
		LIMIT 1`, models.CandidateBuilding, vmName)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get active candidate for vm", err)
	}
	return &c, nil
}

// ResetForReanalysis moves a candidate back to pending, clearing assignment,
// error state, analysis link and fitness values so the stages recompute them.
func (r *CandidateRepository) ResetForReanalysis(ctx context.Context, hash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE candidate SET status = $1, build_vm = NULL, error_message = NULL,
			f1 = NULL, f2 = NULL, f3 = NULL, analysis_id = NULL, date_updated = now()
		WHERE hash = $2`, models.CandidatePending, hash)
	if err != nil {
		return errors.NewDatabaseError("reset candidate", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewDatabaseError("reset candidate", err)
	}
	if n == 0 {
		return errors.NewNotFoundError("candidate")
	}
	r.logger.Info("candidate reset for reanalysis", zap.String("candidate", short(hash)))
	return nil
}

// ListByStatus returns candidates in a given state, oldest first.
func (r *CandidateRepository) ListByStatus(ctx context.Context, status models.CandidateStatus) ([]models.Candidate, error) {
	var out []models.Candidate
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+candidateColumns+` FROM candidate
		WHERE status = $1 ORDER BY date_added ASC, hash ASC`, status)
	if err != nil {
		return nil, errors.NewDatabaseError("list candidates", err)
	}
	return out, nil
}

// FailTimedOut marks every building candidate whose keepalive is older than
// timeout as errored and returns them so the caller can reclaim their VMs.
func (r *CandidateRepository) FailTimedOut(ctx context.Context, timeout time.Duration, message string) ([]models.Candidate, error) {
	var out []models.Candidate
	err := r.db.SelectContext(ctx, &out, `
		UPDATE candidate SET status = $1, error_message = $2,
			f3 = COALESCE(f3, 0), date_updated = now()
		WHERE status = $3 AND date_updated < now() - $4::interval
		RETURNING `+candidateColumns,
		models.CandidateError, message, models.CandidateBuilding, interval(timeout))
	if err != nil {
		return nil, errors.NewDatabaseError("fail timed out candidates", err)
	}
	for _, c := range out {
		r.logger.Warn("candidate timed out",
			zap.String("candidate", short(c.Hash)),
			zap.Stringp("vm", c.BuildVM))
	}
	return out, nil
}

// ResetInFlight requeues candidates stranded in a non-terminal running state
// by a previous process, called once at service start before the fleet is
// reinitialized.
func (r *CandidateRepository) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE candidate SET status = $1, build_vm = NULL, date_updated = now()
		WHERE status IN ($2, $3)`,
		models.CandidatePending, models.CandidateBuilding, models.CandidateAnalyzing)
	if err != nil {
		return 0, errors.NewDatabaseError("reset in-flight candidates", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AttachSample records the candidate↔sample association, ignoring
// duplicates.
func (r *CandidateRepository) AttachSample(ctx context.Context, hash, sampleSHA256 string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO candidate_sample (candidate_hash, sample_sha256)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, hash, sampleSHA256)
	if err != nil {
		return errors.NewDatabaseError("attach sample to candidate", err)
	}
	return nil
}

func (r *CandidateRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return runInTx(ctx, r.db, fn)
}
