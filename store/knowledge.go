package store

import (
	"context"

	"github.com/quarryhq/quarry/common"
)

// CreateKnowledgeBase inserts a base and its owner membership in one
// transaction, keeping the one-owner invariant from the first moment.
func (s *Store) CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	return s.WithTx(ctx, func(tx *Store) error {
		kb.Status = KnowledgeActive
		if err := tx.db.Create(kb).Error; err != nil {
			return err
		}
		member := &Membership{
			KnowledgeBaseID: kb.ID,
			UserID:          kb.OwnerID,
			Role:            RoleOwner,
		}
		return tx.db.Create(member).Error
	})
}

// KnowledgeBaseByID fetches a base by id.
func (s *Store) KnowledgeBaseByID(ctx context.Context, id uint) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := s.db.WithContext(ctx).First(&kb, id).Error; err != nil {
		return nil, notFound(err, "knowledge base", id)
	}
	return &kb, nil
}

// ListKnowledgeBasesFor returns every base the user is a member of.
func (s *Store) ListKnowledgeBasesFor(ctx context.Context, userID uint) ([]KnowledgeBase, error) {
	var bases []KnowledgeBase
	err := s.db.WithContext(ctx).
		Joins("JOIN memberships ON memberships.knowledge_base_id = knowledge_bases.id").
		Where("memberships.user_id = ?", userID).
		Order("knowledge_bases.id").
		Find(&bases).Error
	return bases, err
}

// UpdateKnowledgeBase persists mutable fields (name, description, chunking).
func (s *Store) UpdateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	return s.db.WithContext(ctx).Model(kb).
		Select("name", "description", "chunk_size", "chunk_overlap").
		Updates(kb).Error
}

// MarkKnowledgeDeleting flips ACTIVE to DELETING. A base already being torn
// down, or one whose previous teardown failed, is a conflict.
func (s *Store) MarkKnowledgeDeleting(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&KnowledgeBase{}).
		Where("id = ? AND status = ?", id, KnowledgeActive).
		Update("status", KnowledgeDeleting)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.KnowledgeBaseByID(ctx, id); err != nil {
			return err
		}
		return common.Ef(common.KindConflictState, "knowledge base %d is not active", id)
	}
	return nil
}

// MarkKnowledgeActive flips DELETING back to ACTIVE, compensating a
// teardown whose job never made it onto the queue.
func (s *Store) MarkKnowledgeActive(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&KnowledgeBase{}).
		Where("id = ? AND status = ?", id, KnowledgeDeleting).
		Update("status", KnowledgeActive).Error
}

// MarkKnowledgeFailed records a teardown failure.
func (s *Store) MarkKnowledgeFailed(ctx context.Context, id uint, msg string) error {
	return s.db.WithContext(ctx).Model(&KnowledgeBase{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status": KnowledgeFailed,
			"error":  common.Truncate(msg, 500),
		}).Error
}

// DeleteKnowledgeBaseRows removes every relational row belonging to the
// base. Index entries and blobs are the caller's responsibility; this is the
// last step of teardown.
func (s *Store) DeleteKnowledgeBaseRows(ctx context.Context, id uint) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if err := tx.db.Where("knowledge_base_id = ?", id).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.db.Where("knowledge_base_id = ?", id).Delete(&Document{}).Error; err != nil {
			return err
		}
		if err := tx.db.Where("knowledge_base_id = ?", id).Delete(&Experiment{}).Error; err != nil {
			return err
		}
		if err := tx.db.Where("knowledge_base_id = ?", id).Delete(&TestSet{}).Error; err != nil {
			return err
		}
		if err := tx.db.Where("knowledge_base_id = ?", id).Delete(&Membership{}).Error; err != nil {
			return err
		}
		return tx.db.Delete(&KnowledgeBase{}, id).Error
	})
}

// RoleFor returns the user's role on a base. Missing membership is
// forbidden, not not-found: the base may exist but is invisible to outsiders.
func (s *Store) RoleFor(ctx context.Context, kbID, userID uint) (Role, error) {
	var m Membership
	err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ? AND user_id = ?", kbID, userID).
		First(&m).Error
	if err != nil {
		return "", common.Ef(common.KindAuthForbidden, "no access to knowledge base %d", kbID)
	}
	return m.Role, nil
}

// ListMembers returns the membership rows of a base.
func (s *Store) ListMembers(ctx context.Context, kbID uint) ([]Membership, error) {
	var members []Membership
	err := s.db.WithContext(ctx).
		Where("knowledge_base_id = ?", kbID).
		Order("id").
		Find(&members).Error
	return members, err
}

// AddMember grants a role. Granting OWNER this way is rejected; ownership
// moves only through TransferOwnership.
func (s *Store) AddMember(ctx context.Context, kbID, userID uint, role Role) error {
	if role == RoleOwner {
		return common.E(common.KindConflictState, "ownership is transferred, not granted")
	}
	m := &Membership{KnowledgeBaseID: kbID, UserID: userID, Role: role}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return common.Ef(common.KindConflictState, "user %d is already a member", userID)
		}
		return err
	}
	return nil
}

// UpdateMemberRole changes a non-owner member's role.
func (s *Store) UpdateMemberRole(ctx context.Context, kbID, userID uint, role Role) error {
	if role == RoleOwner {
		return common.E(common.KindConflictState, "ownership is transferred, not granted")
	}
	res := s.db.WithContext(ctx).Model(&Membership{}).
		Where("knowledge_base_id = ? AND user_id = ? AND role <> ?", kbID, userID, RoleOwner).
		Update("role", role)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.Ef(common.KindNotFound, "membership of user %d not found", userID)
	}
	return nil
}

// RemoveMember revokes access. The owner cannot be removed.
func (s *Store) RemoveMember(ctx context.Context, kbID, userID uint) error {
	res := s.db.WithContext(ctx).
		Where("knowledge_base_id = ? AND user_id = ? AND role <> ?", kbID, userID, RoleOwner).
		Delete(&Membership{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.Ef(common.KindNotFound, "membership of user %d not found", userID)
	}
	return nil
}

// TransferOwnership makes newOwner the OWNER and demotes the previous owner
// to EDITOR, atomically. The new owner must already be a member.
func (s *Store) TransferOwnership(ctx context.Context, kbID, newOwnerID uint) error {
	return s.WithTx(ctx, func(tx *Store) error {
		var current Membership
		err := tx.db.
			Where("knowledge_base_id = ? AND role = ?", kbID, RoleOwner).
			First(&current).Error
		if err != nil {
			return notFound(err, "knowledge base", kbID)
		}
		if current.UserID == newOwnerID {
			return common.E(common.KindConflictState, "user already owns this knowledge base")
		}

		res := tx.db.Model(&Membership{}).
			Where("knowledge_base_id = ? AND user_id = ?", kbID, newOwnerID).
			Update("role", RoleOwner)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return common.Ef(common.KindNotFound, "membership of user %d not found", newOwnerID)
		}

		if err := tx.db.Model(&Membership{}).
			Where("id = ?", current.ID).
			Update("role", RoleEditor).Error; err != nil {
			return err
		}

		return tx.db.Model(&KnowledgeBase{}).
			Where("id = ?", kbID).
			Update("owner_id", newOwnerID).Error
	})
}
