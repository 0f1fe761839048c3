package models

import "time"

// PendingMutation is a client write that has not yet been confirmed by the
// server. Mutations replay in (CreatedAt, Seq) order.
type PendingMutation struct {
	ID         UUID         `db:"id" json:"id"`
	Seq        int64        `db:"seq" json:"seq"`
	Kind       MutationKind `db:"kind" json:"kind"`
	EntityType EntityType   `db:"entity_type" json:"entityType"`
	EntityID   UUID         `db:"entity_id" json:"entityId"`
	Method     string       `db:"method" json:"method"`
	Endpoint   string       `db:"endpoint" json:"endpoint"`
	Payload    JSON         `db:"payload" json:"payload,omitempty"`

	// HasPreImage is set when the optimistic write captured the cached
	// entities it touched. PreImage then holds a JSON array of EntityImage.
	HasPreImage bool `db:"has_pre_image" json:"hasPreImage"`
	PreImage    JSON `db:"pre_image" json:"preImage,omitempty"`

	CreatedAt  int64  `db:"created_at" json:"createdAt"`
	RetryCount int    `db:"retry_count" json:"retryCount"`
	LastError  string `db:"last_error" json:"lastError,omitempty"`
}

// TableName returns the table name for PendingMutation.
func (PendingMutation) TableName() string {
	return "pending_mutations"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (m *PendingMutation) CreatedAtTime() time.Time {
	return time.Unix(0, m.CreatedAt)
}

// EntityImage is the cached state of one entity before an optimistic write.
// An empty Before means the entity did not exist, so restoring removes it.
type EntityImage struct {
	EntityType EntityType `json:"entityType"`
	EntityID   UUID       `json:"entityId"`
	Before     JSON       `json:"before"`
}
