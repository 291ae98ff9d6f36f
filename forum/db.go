// forum/db.go
package forum

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// parent_id is NULL for top-level posts. Likes go away with their post;
// replies are removed explicitly by the service.
const schema = `
CREATE TABLE IF NOT EXISTS posts (
    id TEXT PRIMARY KEY,
    text TEXT NOT NULL CHECK (btrim(text) <> ''),
    author TEXT NOT NULL,
    parent_id TEXT,
    anonym BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    edited_at TIMESTAMPTZ,
    reports TEXT[] NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS likes (
    post_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    anonym BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (post_id, user_id),
    CONSTRAINT fk_post
        FOREIGN KEY(post_id)
        REFERENCES posts(id)
        ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_posts_on_parent_id ON posts(parent_id);
CREATE INDEX IF NOT EXISTS idx_posts_on_author ON posts(author);
CREATE INDEX IF NOT EXISTS idx_posts_on_created_at ON posts(created_at DESC);
`

const postColumns = `id, text, author, parent_id, anonym, created_at, edited_at, reports`

type Database struct {
	pool *pgxpool.Pool
}

func NewDatabase(ctx context.Context, connectionString string) (*Database, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Database{pool: pool}, nil
}

// Pool exposes the connection pool so the identity directory can share it.
func (d *Database) Pool() *pgxpool.Pool {
	return d.pool
}

func (d *Database) Close() {
	d.pool.Close()
}

func (d *Database) CreateTables(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, schema)
	return err
}

// --- Post Functions ---

func (d *Database) InsertPost(ctx context.Context, post *Post) error {
	query := `INSERT INTO posts (id, text, author, parent_id, anonym) VALUES ($1, $2, $3, $4, $5) RETURNING created_at`
	return d.pool.QueryRow(ctx, query, post.ID, post.Text, post.Author, nullable(post.ParentID), post.Anonym).Scan(&post.CreatedAt)
}

func (d *Database) GetPost(ctx context.Context, id string) (*Post, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
	post, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return post, err
}

// postWhere renders filter as a WHERE clause with numbered arguments.
func postWhere(filter PostFilter) (string, []interface{}) {
	var where []string
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.IDs != nil {
		where = append(where, "id = ANY("+arg(filter.IDs)+")")
	}
	if filter.Authors != nil {
		where = append(where, "author = ANY("+arg(filter.Authors)+")")
	}
	if filter.ParentIDs != nil {
		where = append(where, "parent_id = ANY("+arg(filter.ParentIDs)+")")
	}
	if filter.TopLevelOnly {
		where = append(where, "parent_id IS NULL")
	}
	if filter.ExcludeAnonymous {
		where = append(where, "NOT anonym")
	}
	if filter.ExcludeAuthor != "" {
		where = append(where, "author <> "+arg(filter.ExcludeAuthor))
	}

	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (d *Database) ListPosts(ctx context.Context, filter PostFilter) ([]Post, error) {
	where, args := postWhere(filter)
	query := "SELECT " + postColumns + " FROM posts" + where + " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var posts []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

func (d *Database) CountPosts(ctx context.Context, filter PostFilter) (int, error) {
	where, args := postWhere(filter)
	var count int
	err := d.pool.QueryRow(ctx, "SELECT COUNT(*) FROM posts"+where, args...).Scan(&count)
	return count, err
}

func (d *Database) ChildIDs(ctx context.Context, parentIDs []string) ([]string, error) {
	rows, err := d.pool.Query(ctx, `SELECT id FROM posts WHERE parent_id = ANY($1)`, parentIDs)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (d *Database) UpdatePostText(ctx context.Context, id, text string, editedAt time.Time) (*Post, error) {
	query := `UPDATE posts SET text = $2, edited_at = $3 WHERE id = $1 RETURNING ` + postColumns
	post, err := scanPost(d.pool.QueryRow(ctx, query, id, text, editedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return post, err
}

func (d *Database) DeletePosts(ctx context.Context, ids []string) (int64, error) {
	tag, err := d.pool.Exec(ctx, `DELETE FROM posts WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Engagement Functions ---

func (d *Database) InsertLike(ctx context.Context, like Like) (bool, error) {
	query := `INSERT INTO likes (post_id, user_id, anonym) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	tag, err := d.pool.Exec(ctx, query, like.PostID, like.UserID, like.Anonym)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (d *Database) DeleteLike(ctx context.Context, postID, userID string) (bool, error) {
	tag, err := d.pool.Exec(ctx, `DELETE FROM likes WHERE post_id = $1 AND user_id = $2`, postID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (d *Database) HasLike(ctx context.Context, postID, userID string) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM likes WHERE post_id = $1 AND user_id = $2)`, postID, userID).Scan(&exists)
	return exists, err
}

func (d *Database) CountLikes(ctx context.Context, postID string) (int, error) {
	var count int
	err := d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM likes WHERE post_id = $1`, postID).Scan(&count)
	return count, err
}

func (d *Database) ListLikes(ctx context.Context, postIDs []string) ([]Like, error) {
	query := `SELECT post_id, user_id, anonym, created_at FROM likes
              WHERE post_id = ANY($1)
              ORDER BY created_at DESC`
	rows, err := d.pool.Query(ctx, query, postIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var likes []Like
	for rows.Next() {
		var l Like
		if err := rows.Scan(&l.PostID, &l.UserID, &l.Anonym, &l.CreatedAt); err != nil {
			return nil, err
		}
		likes = append(likes, l)
	}
	return likes, rows.Err()
}

// AppendReport locks the post row so concurrent reports by the same
// reporter see each other.
func (d *Database) AppendReport(ctx context.Context, postID, reporter string) (int, bool, error) {
	query := `
        WITH target AS (
            SELECT id, $2::text = ANY(reports) AS seen
            FROM posts WHERE id = $1
            FOR UPDATE
        )
        UPDATE posts p SET reports = CASE
            WHEN t.seen THEN p.reports
            ELSE array_append(p.reports, $2::text)
        END
        FROM target t
        WHERE p.id = t.id
        RETURNING cardinality(p.reports), NOT t.seen`
	var count int
	var appended bool
	err := d.pool.QueryRow(ctx, query, postID, reporter).Scan(&count, &appended)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, appended, nil
}

func scanPost(row pgx.Row) (*Post, error) {
	var p Post
	var parentID *string
	err := row.Scan(&p.ID, &p.Text, &p.Author, &parentID, &p.Anonym, &p.CreatedAt, &p.EditedAt, &p.Reports)
	if err != nil {
		return nil, err
	}
	if parentID != nil {
		p.ParentID = *parentID
	}
	return &p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
