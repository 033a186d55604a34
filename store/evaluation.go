package store

import (
	"context"

	"github.com/quarryhq/quarry/common"
)

// CreateTestSet inserts a PENDING test set row.
func (s *Store) CreateTestSet(ctx context.Context, ts *TestSet) error {
	ts.Status = TestSetPending
	ts.Error = ""
	return s.db.WithContext(ctx).Create(ts).Error
}

// TestSetByID fetches a test set by id.
func (s *Store) TestSetByID(ctx context.Context, id uint) (*TestSet, error) {
	var ts TestSet
	if err := s.db.WithContext(ctx).First(&ts, id).Error; err != nil {
		return nil, notFound(err, "test set", id)
	}
	return &ts, nil
}

// ListTestSets returns a base's test sets, newest first.
func (s *Store) ListTestSets(ctx context.Context, kbID uint) ([]TestSet, error) {
	var sets []TestSet
	err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ?", kbID).
		Order("id DESC").
		Find(&sets).Error
	return sets, err
}

// AcquireTestSet atomically claims a test set for generation. PENDING is
// the normal case; FAILED is claimable so a retry restarts generation.
func (s *Store) AcquireTestSet(ctx context.Context, id uint) (*TestSet, error) {
	var ts TestSet
	err := s.WithTx(ctx, func(tx *Store) error {
		res := tx.db.Model(&TestSet{}).
			Where("id = ? AND status IN ?", id, []TestSetStatus{TestSetPending, TestSetFailed}).
			Updates(map[string]interface{}{"status": TestSetGenerating, "error": ""})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			cur, err := tx.TestSetByID(ctx, id)
			if err != nil {
				return err
			}
			return common.Ef(common.KindConflictState,
				"test set %d is %s, not claimable", id, cur.Status)
		}
		return tx.db.First(&ts, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// CompleteTestSet records a finished generation.
func (s *Store) CompleteTestSet(ctx context.Context, id uint, blobKey string, rows int) error {
	res := s.db.WithContext(ctx).Model(&TestSet{}).
		Where("id = ? AND status = ?", id, TestSetGenerating).
		Updates(map[string]interface{}{
			"status":    TestSetCompleted,
			"blob_key":  blobKey,
			"row_count": rows,
			"error":     "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.Ef(common.KindConflictState,
			"test set %d left GENERATING before completion", id)
	}
	return nil
}

// MarkTestSetFailed records a generation failure with a bounded message.
func (s *Store) MarkTestSetFailed(ctx context.Context, id uint, msg string) error {
	return s.db.WithContext(ctx).Model(&TestSet{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status": TestSetFailed,
			"error":  common.Truncate(msg, 500),
		}).Error
}

// DeleteTestSet removes a test set row.
func (s *Store) DeleteTestSet(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&TestSet{}, id).Error
}

// CreateExperiment inserts a PENDING experiment row.
func (s *Store) CreateExperiment(ctx context.Context, exp *Experiment) error {
	exp.Status = ExperimentPending
	exp.Error = ""
	return s.db.WithContext(ctx).Create(exp).Error
}

// ExperimentByID fetches an experiment by id.
func (s *Store) ExperimentByID(ctx context.Context, id uint) (*Experiment, error) {
	var exp Experiment
	if err := s.db.WithContext(ctx).First(&exp, id).Error; err != nil {
		return nil, notFound(err, "experiment", id)
	}
	return &exp, nil
}

// ListExperiments returns a base's experiments, newest first.
func (s *Store) ListExperiments(ctx context.Context, kbID uint) ([]Experiment, error) {
	var exps []Experiment
	err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ?", kbID).
		Order("id DESC").
		Find(&exps).Error
	return exps, err
}

// AcquireExperiment atomically claims an experiment for a run. PENDING is
// the normal case; FAILED is claimable so a retry restarts the run.
func (s *Store) AcquireExperiment(ctx context.Context, id uint) (*Experiment, error) {
	var exp Experiment
	err := s.WithTx(ctx, func(tx *Store) error {
		res := tx.db.Model(&Experiment{}).
			Where("id = ? AND status IN ?", id, []ExperimentStatus{ExperimentPending, ExperimentFailed}).
			Updates(map[string]interface{}{"status": ExperimentRunning, "error": ""})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			cur, err := tx.ExperimentByID(ctx, id)
			if err != nil {
				return err
			}
			return common.Ef(common.KindConflictState,
				"experiment %d is %s, not claimable", id, cur.Status)
		}
		return tx.db.First(&exp, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

// CompleteExperiment records the aggregated metrics.
func (s *Store) CompleteExperiment(ctx context.Context, id uint, metrics JSON) error {
	res := s.db.WithContext(ctx).Model(&Experiment{}).
		Where("id = ? AND status = ?", id, ExperimentRunning).
		Updates(map[string]interface{}{
			"status":  ExperimentCompleted,
			"metrics": metrics,
			"error":   "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.Ef(common.KindConflictState,
			"experiment %d left RUNNING before completion", id)
	}
	return nil
}

// MarkExperimentFailed records a run failure with a bounded message.
func (s *Store) MarkExperimentFailed(ctx context.Context, id uint, msg string) error {
	return s.db.WithContext(ctx).Model(&Experiment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status": ExperimentFailed,
			"error":  common.Truncate(msg, 500),
		}).Error
}

// DeleteExperiment removes an experiment row.
func (s *Store) DeleteExperiment(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&Experiment{}, id).Error
}
