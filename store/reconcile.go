package store

import "context"

// InterruptedMessage is stamped onto rows stranded mid-flight by a restart.
const InterruptedMessage = "interrupted: service restarted"

// ReconcileInterrupted flips every row stranded in a transient state to
// FAILED. The worker runs this once on startup before consuming any job: a
// row in PROCESSING, GENERATING, RUNNING or DELETING with no live worker is
// unreachable otherwise. Returns the number of rows repaired.
func (s *Store) ReconcileInterrupted(ctx context.Context) (int64, error) {
	var total int64
	err := s.WithTx(ctx, func(tx *Store) error {
		res := tx.db.Model(&Document{}).
			Where("status = ?", DocumentProcessing).
			Updates(map[string]interface{}{
				"status": DocumentFailed,
				"error":  InterruptedMessage,
			})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		res = tx.db.Model(&TestSet{}).
			Where("status = ?", TestSetGenerating).
			Updates(map[string]interface{}{
				"status": TestSetFailed,
				"error":  InterruptedMessage,
			})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		res = tx.db.Model(&Experiment{}).
			Where("status = ?", ExperimentRunning).
			Updates(map[string]interface{}{
				"status": ExperimentFailed,
				"error":  InterruptedMessage,
			})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		res = tx.db.Model(&KnowledgeBase{}).
			Where("status = ?", KnowledgeDeleting).
			Updates(map[string]interface{}{
				"status": KnowledgeFailed,
				"error":  InterruptedMessage,
			})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		return nil
	})
	return total, err
}
