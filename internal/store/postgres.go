package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `
		SELECT id, username, display_name, email, first_name, last_name, avatar_url
		FROM users WHERE id=$1
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID, &user.Username, &user.DisplayName, &user.Email,
		&user.FirstName, &user.LastName, &user.AvatarURL,
	)
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

// AccessRightFor resolves the access level of a user on a document. The
// owner always has full write access; everyone else needs an access grant.
// The second return value is false when the user may not open the document
// at all.
func (s *PostgresStore) AccessRightFor(ctx context.Context, documentID, userID string) (string, bool, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM documents WHERE id=$1`, documentID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup document owner: %w", err)
	}
	if ownerID == userID {
		return "write", true, nil
	}

	var right string
	err = s.db.QueryRowContext(ctx, `
		SELECT access_right FROM access_grants WHERE document_id=$1 AND user_id=$2
	`, documentID, userID).Scan(&right)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup access grant: %w", err)
	}
	return right, true, nil
}

func (s *PostgresStore) LoadDocument(ctx context.Context, documentID string) (DocumentRecord, error) {
	const query = `
		SELECT id, owner_id, title, contents, metadata, settings, comments,
		       last_diffs, version, diff_version, comment_version, updated_at
		FROM documents WHERE id=$1
	`
	var rec DocumentRecord
	var contents, metadata, settings, comments, lastDiffs []byte
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(
		&rec.ID, &rec.OwnerID, &rec.Title, &contents, &metadata, &settings,
		&comments, &lastDiffs, &rec.Version, &rec.DiffVersion,
		&rec.CommentVersion, &rec.UpdatedAt,
	)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("load document: %w", err)
	}
	rec.Contents = json.RawMessage(contents)
	rec.Metadata = json.RawMessage(metadata)
	rec.Settings = json.RawMessage(settings)
	rec.Comments = json.RawMessage(comments)
	rec.LastDiffs = json.RawMessage(lastDiffs)
	return rec, nil
}

func (s *PostgresStore) SaveDocument(ctx context.Context, rec DocumentRecord) error {
	const query = `
		UPDATE documents
		SET title=$2, contents=$3, metadata=$4, settings=$5, comments=$6,
		    last_diffs=$7, version=$8, diff_version=$9, comment_version=$10,
		    updated_at=NOW()
		WHERE id=$1
	`
	result, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Title, []byte(rec.Contents), []byte(rec.Metadata),
		[]byte(rec.Settings), []byte(rec.Comments), []byte(rec.LastDiffs),
		rec.Version, rec.DiffVersion, rec.CommentVersion,
	)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("save document: document %s not found", rec.ID)
	}
	return nil
}

func (s *PostgresStore) Collaborators(ctx context.Context, documentID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ag.user_id, u.display_name, u.avatar_url, ag.access_right, ag.document_id
		FROM access_grants ag
		JOIN users u ON u.id = ag.user_id
		WHERE ag.document_id = $1
		ORDER BY u.display_name
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.UserID, &c.Name, &c.AvatarURL, &c.AccessRight, &c.DocumentID); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *PostgresStore) TeamMembers(ctx context.Context, leaderID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.display_name, u.email, u.first_name, u.last_name, u.avatar_url
		FROM team_members tm
		JOIN users u ON u.id = tm.member_id
		WHERE tm.leader_id = $1
		ORDER BY u.display_name
	`, leaderID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &u.FirstName, &u.LastName, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		items = append(items, u)
	}
	return items, rows.Err()
}

// LookupSession is the Postgres fallback for session-token resolution when
// Redis is not configured.
func (s *PostgresStore) LookupSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.display_name, u.email, u.first_name, u.last_name, u.avatar_url
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = $1
			AND s.revoked_at IS NULL
			AND s.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&user.ID, &user.Username, &user.DisplayName, &user.Email,
		&user.FirstName, &user.LastName, &user.AvatarURL,
	)
	if err != nil {
		return User{}, fmt.Errorf("lookup session: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CatalogRows(ctx context.Context, table string) ([]CatalogRow, error) {
	switch table {
	case "export_templates", "document_styles", "citation_styles", "citation_locales":
	default:
		return nil, fmt.Errorf("unknown catalog table %q", table)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT slug, fields FROM %s ORDER BY slug`, table))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	items := make([]CatalogRow, 0)
	for rows.Next() {
		var row CatalogRow
		var fields []byte
		if err := rows.Scan(&row.Slug, &fields); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		row.Fields = json.RawMessage(fields)
		items = append(items, row)
	}
	return items, rows.Err()
}
