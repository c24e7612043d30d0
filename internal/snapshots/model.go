package snapshots

import "time"

// Metadata describes the captured payload.
type Metadata struct {
	StateBytes       int    `json:"stateBytes"`
	StateVectorBytes int    `json:"stateVectorBytes"`
	StateSHA256      string `json:"stateSha256"`
	Characters       int    `json:"characters"`
}

// DocumentSnapshot is an immutable point-in-time copy of a document.
type DocumentSnapshot struct {
	ID          string    `gorm:"column:snapshot_id;primaryKey;size:64;not null" json:"id"`
	DocumentID  string    `gorm:"column:document_id;size:600;not null;index" json:"documentId"`
	ProjectID   string    `gorm:"column:project_id;size:64;not null;index:idx_snapshots_project_created,priority:1" json:"projectId"`
	UserID      string    `gorm:"column:user_id;size:190;not null" json:"userId"`
	Name        string    `gorm:"column:name;size:320;not null" json:"name"`
	Description string    `gorm:"column:description;type:text" json:"description,omitempty"`
	CrdState    []byte    `gorm:"column:crd_state;not null" json:"crdState"`
	StateVector []byte    `gorm:"column:state_vector;not null" json:"stateVector"`
	WordCount   int       `gorm:"column:word_count;not null" json:"wordCount"`
	Metadata    Metadata  `gorm:"column:metadata;type:text;serializer:json" json:"metadata"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index:idx_snapshots_project_created,priority:2" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentSnapshot) TableName() string {
	return "document_snapshots"
}

// Summary is a snapshot without its payload.
type Summary struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"documentId"`
	ProjectID   string    `json:"projectId"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	WordCount   int       `json:"wordCount"`
	Metadata    Metadata  `json:"metadata"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (snapshot DocumentSnapshot) Summary() Summary {
	return Summary{
		ID:          snapshot.ID,
		DocumentID:  snapshot.DocumentID,
		ProjectID:   snapshot.ProjectID,
		UserID:      snapshot.UserID,
		Name:        snapshot.Name,
		Description: snapshot.Description,
		WordCount:   snapshot.WordCount,
		Metadata:    snapshot.Metadata,
		CreatedAt:   snapshot.CreatedAt,
	}
}
