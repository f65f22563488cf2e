package document

// Document stores the durable record for a collaborative document.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:500;not null;default:''"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	CrdtStateB64     string `gorm:"column:crdt_state_b64;type:text;not null;default:''"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner"`
	Visibility       string `gorm:"column:visibility;size:32;not null;default:'private'"`
	WordCount        int64  `gorm:"column:word_count;not null;default:0"`
	CharacterCount   int64  `gorm:"column:character_count;not null;default:0"`
	CurrentVersion   int64  `gorm:"column:current_version;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// AccessEntry stores one grant on a document's access list.
type AccessEntry struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Level            string `gorm:"column:level;size:32;not null"`
	GrantedAtSeconds int64  `gorm:"column:granted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AccessEntry) TableName() string {
	return "document_access"
}

// Version stores one append-only snapshot of a document. Rows are never
// mutated after creation.
type Version struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Number           int64  `gorm:"column:version_number;primaryKey;not null"`
	Title            string `gorm:"column:title;size:500;not null;default:''"`
	Content          string `gorm:"column:content;type:text;not null;default:''"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	Kind             string `gorm:"column:change_kind;size:32;not null"`
	Description      string `gorm:"column:description;size:500;not null;default:''"`
	WordCount        int64  `gorm:"column:word_count;not null;default:0"`
	CharacterCount   int64  `gorm:"column:character_count;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_versions_created"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "document_versions"
}
