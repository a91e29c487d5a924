package models

// PhotoStatus represents the upload state of an offline-captured photo.
type PhotoStatus string

const (
	PhotoStatusPending  PhotoStatus = "pending"
	PhotoStatusUploaded PhotoStatus = "uploaded"
)

// OfflinePhoto is a locally captured binary asset awaiting upload. It is
// created on capture, transitions to uploaded on successful sync, and is
// removed from local storage a fixed delay after upload confirmation so a
// UI still displaying the local blob can re-read it.
type OfflinePhoto struct {
	ID        UUID        `db:"id" json:"id"`
	Blob      []byte      `db:"blob" json:"-"`
	Metadata  string      `db:"metadata" json:"metadata,omitempty"` // JSON capture metadata
	TempID    string      `db:"temp_id" json:"temp_id,omitempty"`
	Status    PhotoStatus `db:"status" json:"status"`
	CreatedAt int64       `db:"created_at" json:"created_at"` // unix milliseconds
}

// TableName returns the table name for OfflinePhoto.
func (OfflinePhoto) TableName() string {
	return "offline_photos"
}
