package persist

// Content type tags stored alongside document snapshots. The binary tag
// marks CRDT state; anything else is legacy content awaiting one-time
// migration on first open.
const (
	ContentTypeCRDT           = "crdt-binary"
	ContentTypeLegacyMarkdown = "text/markdown"
)

// DocumentRecord stores the latest coalesced snapshot for a document.
type DocumentRecord struct {
	DocID       string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	ContentB64  string `gorm:"column:content_b64;type:text;not null"`
	ContentType string `gorm:"column:content_type;size:64;not null"`
	UpdatedAtS  int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "collab_documents"
}

// DocumentACL stores per-document ownership and the public-sharing flag.
type DocumentACL struct {
	DocID    string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	OwnerID  string `gorm:"column:owner_id;size:190;not null;index"`
	IsPublic bool   `gorm:"column:is_public;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentACL) TableName() string {
	return "collab_document_acl"
}

// DocumentCollaborator stores one collaborator list entry.
type DocumentCollaborator struct {
	DocID  string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role   string `gorm:"column:role;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentCollaborator) TableName() string {
	return "collab_document_collaborators"
}
