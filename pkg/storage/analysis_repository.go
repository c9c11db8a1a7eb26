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
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jordigilh/gimc/internal/errors"
	"github.com/jordigilh/gimc/pkg/models"
)

// AnalysisRepository owns the analysis table.
type AnalysisRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewAnalysisRepository(db *sqlx.DB, logger *zap.Logger) *AnalysisRepository {
	return &AnalysisRepository{db: db, logger: logger}
}

const analysisColumns = `id, sample, report, status, analysis_vm, error_message, date_added, date_updated`

// Create queues a new pending analysis for a sample.
func (r *AnalysisRepository) Create(ctx context.Context, sampleSHA256, reportPath string) (*models.Analysis, error) {
	var a models.Analysis
	err := r.db.GetContext(ctx, &a, `
		INSERT INTO analysis (sample, report, status)
		VALUES ($1, $2, $3)
		RETURNING `+analysisColumns,
		sampleSHA256, reportPath, models.AnalysisPending)
	if err != nil {
		return nil, errors.NewDatabaseError("create analysis", err)
	}
	r.logger.Info("analysis queued",
		zap.Int64("analysis_id", a.ID), zap.String("sample", short(sampleSHA256)))
	return &a, nil
}

// Get fetches an analysis by id.
func (r *AnalysisRepository) Get(ctx context.Context, id int64) (*models.Analysis, error) {
	var a models.Analysis
	err := r.db.GetContext(ctx, &a,
		`SELECT `+analysisColumns+` FROM analysis WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("analysis")
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get analysis", err)
	}
	return &a, nil
}

// Checkout atomically claims the oldest pending analysis for the named
// analysis VM. Same locking discipline as candidate dispatch. Returns nil
// when no work is queued.
func (r *AnalysisRepository) Checkout(ctx context.Context, vmName string) (*models.Analysis, error) {
	var a models.Analysis
	err := runInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &a, `
			SELECT `+analysisColumns+` FROM analysis
			WHERE status = $1
			ORDER BY date_added ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, models.AnalysisPending)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errNoWork
		}
		if err != nil {
			return errors.NewDatabaseError("select pending analysis", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE analysis SET status = $1, analysis_vm = $2, date_updated = now()
			WHERE id = $3`, models.AnalysisRunning, vmName, a.ID)
		if err != nil {
			return errors.NewDatabaseError("claim analysis", err)
		}
		a.Status = models.AnalysisRunning
		a.AnalysisVM = &vmName
		return nil
	})
	if stderrors.Is(err, errNoWork) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.logger.Info("analysis dispatched",
		zap.Int64("analysis_id", a.ID), zap.String("vm", vmName))
	return &a, nil
}

// ActiveForVM returns the analysis currently running on the named VM, or
// nil. Guards the one-analysis-per-VM invariant on checkin.
func (r *AnalysisRepository) ActiveForVM(ctx context.Context, vmName string) (*models.Analysis, error) {
	var a models.Analysis
	err := r.db.GetContext(ctx, &a, `
		SELECT `+analysisColumns+` FROM analysis
		WHERE status = $1 AND analysis_vm = $2
		LIMIT 1`, models.AnalysisRunning, vmName)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get active analysis for vm", err)
	}
	return &a, nil
}

// Transition moves a running analysis to a terminal state under the state
// machine, verifying the caller's claimed sample hash matches the row. Used
// by the report/error submission endpoints.
func (r *AnalysisRepository) Transition(ctx context.Context, id int64, sampleSHA256 string, to models.AnalysisStatus, errorMessage *string) (*models.Analysis, error) {
	var a models.Analysis
	err := runInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &a,
			`SELECT `+analysisColumns+` FROM analysis WHERE id = $1 FOR UPDATE`, id)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("analysis")
		}
		if err != nil {
			return errors.NewDatabaseError("lock analysis", err)
		}

		if sampleSHA256 != "" && a.Sample != sampleSHA256 {
			return errors.Newf(errors.ErrorTypeTransition,
				"analysis %d does not match sample %s", id, short(sampleSHA256))
		}
		if err := models.ValidateAnalysisTransition(a.Status, to); err != nil {
			return err
		}

		a.Status = to
		if errorMessage != nil {
			a.ErrorMessage = errorMessage
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE analysis SET status = $1, error_message = $2, date_updated = now()
			WHERE id = $3`, a.Status, a.ErrorMessage, id)
		if err != nil {
			return errors.NewDatabaseError("update analysis", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// FailTimedOut errors every running analysis whose keepalive is older than
// timeout and returns them so the watchdog can reclaim their VMs.
func (r *AnalysisRepository) FailTimedOut(ctx context.Context, timeout time.Duration, message string) ([]models.Analysis, error) {
	var out []models.Analysis
	err := r.db.SelectContext(ctx, &out, `
		UPDATE analysis SET status = $1, error_message = $2, date_updated = now()
		WHERE status = $3 AND date_updated < now() - $4::interval
		RETURNING `+analysisColumns,
		models.AnalysisError, message, models.AnalysisRunning, interval(timeout))
	if err != nil {
		return nil, errors.NewDatabaseError("fail timed out analyses", err)
	}
	for _, a := range out {
		r.logger.Warn("analysis timed out",
			zap.Int64("analysis_id", a.ID), zap.Stringp("vm", a.AnalysisVM))
	}
	return out, nil
}

// CountByStatus counts analyses in a given state.
func (r *AnalysisRepository) CountByStatus(ctx context.Context, status models.AnalysisStatus) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT count(*) FROM analysis WHERE status = $1`, status)
	if err != nil {
		return 0, errors.NewDatabaseError("count analyses", err)
	}
	return n, nil
}

// ResetRunning requeues analyses stranded in the running state by a previous
// process. Called once at service start.
func (r *AnalysisRepository) ResetRunning(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE analysis SET status = $1, analysis_vm = NULL, date_updated = now()
		WHERE status = $2`, models.AnalysisPending, models.AnalysisRunning)
	if err != nil {
		return 0, errors.NewDatabaseError("reset running analyses", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
