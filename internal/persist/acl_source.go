package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/quillforge/quill/internal/access"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ACLSource adapts the stored permission tables onto the access.RecordSource
// contract. The records themselves are owned by the surrounding
// application; this core only reads them at handshake time.
type ACLSource struct {
	db *gorm.DB
}

// NewACLSource constructs an ACLSource over the provided database handle.
func NewACLSource(db *gorm.DB) (*ACLSource, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &ACLSource{db: db}, nil
}

// PermissionRecord returns the permission record for a document, or
// access.ErrRecordNotFound when none exists.
func (s *ACLSource) PermissionRecord(ctx context.Context, documentID string) (access.Record, error) {
	var acl DocumentACL
	err := s.db.WithContext(ctx).Where("doc_id = ?", documentID).Take(&acl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return access.Record{}, access.ErrRecordNotFound
	}
	if err != nil {
		return access.Record{}, fmt.Errorf("persist: acl query: %w", err)
	}

	var entries []DocumentCollaborator
	if err := s.db.WithContext(ctx).Where("doc_id = ?", documentID).Find(&entries).Error; err != nil {
		return access.Record{}, fmt.Errorf("persist: collaborator query: %w", err)
	}

	record := access.Record{
		DocumentID:    acl.DocID,
		OwnerID:       acl.OwnerID,
		IsPublic:      acl.IsPublic,
		Collaborators: make([]access.Collaborator, 0, len(entries)),
	}
	for _, entry := range entries {
		record.Collaborators = append(record.Collaborators, access.Collaborator{
			UserID: entry.UserID,
			Role:   access.Role(entry.Role),
		})
	}
	return record, nil
}

// UpsertPermissionRecord writes a permission record wholesale. The
// collaboration core does not call this on its own; it exists for the
// owning application's wiring and for test setup.
func (s *ACLSource) UpsertPermissionRecord(ctx context.Context, record access.Record) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acl := DocumentACL{
			DocID:    record.DocumentID,
			OwnerID:  record.OwnerID,
			IsPublic: record.IsPublic,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}},
			UpdateAll: true,
		}).Create(&acl).Error; err != nil {
			return err
		}
		if err := tx.Where("doc_id = ?", record.DocumentID).Delete(&DocumentCollaborator{}).Error; err != nil {
			return err
		}
		for _, collaborator := range record.Collaborators {
			entry := DocumentCollaborator{
				DocID:  record.DocumentID,
				UserID: collaborator.UserID,
				Role:   string(collaborator.Role),
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
