package collab

import "time"

// Project is addressed externally by (owner username, slug); ID never changes.
type Project struct {
	ID               string    `gorm:"column:project_id;primaryKey;size:64;not null" json:"id"`
	OwnerUserID      string    `gorm:"column:owner_user_id;size:190;not null;uniqueIndex:idx_projects_owner_slug,priority:1" json:"ownerUserId"`
	Slug             string    `gorm:"column:slug;size:190;not null;uniqueIndex:idx_projects_owner_slug,priority:2" json:"slug"`
	Title            string    `gorm:"column:title;size:320;not null" json:"title"`
	Version          int64     `gorm:"column:version;not null;default:1" json:"version"`
	MinClientVersion string    `gorm:"column:min_client_version;size:32;not null;default:'0.0.0'" json:"minClientVersion"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// Collaborator is a non-owner member of a project.
type Collaborator struct {
	ProjectID string    `gorm:"column:project_id;primaryKey;size:64;not null" json:"projectId"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index" json:"userId"`
	Role      Role      `gorm:"column:role;size:16;not null" json:"role"`
	Status    Status    `gorm:"column:status;size:16;not null" json:"status"`
	InvitedBy string    `gorm:"column:invited_by;size:190;not null" json:"invitedBy"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "project_collaborators"
}
