package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string
	Username    string
	DisplayName string
	Email       string
	FirstName   string
	LastName    string
	// AvatarURL is computed elsewhere and stored; this layer never
	// generates avatars.
	AvatarURL string
	CreatedAt time.Time
}

// DocumentRecord is the durable form of a document. Contents, metadata,
// settings, comments and last_diffs are opaque JSON blobs synchronized
// verbatim; the realtime layer owns their meaning.
type DocumentRecord struct {
	ID             string
	OwnerID        string
	Title          string
	Contents       json.RawMessage
	Metadata       json.RawMessage
	Settings       json.RawMessage
	Comments       json.RawMessage
	LastDiffs      json.RawMessage
	Version        int
	DiffVersion    int
	CommentVersion int
	UpdatedAt      time.Time
}

// Collaborator is one entry of a document's access list, joined with the
// granted user's profile.
type Collaborator struct {
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	AvatarURL   string `json:"avatar"`
	AccessRight string `json:"rights"`
	DocumentID  string `json:"document_id"`
}

// CatalogRow is one opaque style/template record served in the welcome
// payload.
type CatalogRow struct {
	Slug   string
	Fields json.RawMessage
}
