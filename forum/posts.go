package forum

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// postSelect is the annotated post projection; $1 is always the viewer id.
func postSelect(bookmarked string) string {
	return `SELECT p.id, p.author_id, p.content, p.is_anonymous, p.parent_id, p.created_at, p.updated_at,
    u.id, u.name, u.deleted_at,
    (SELECT COUNT(*) FROM likes l WHERE l.post_id = p.id) AS like_count,
    EXISTS (SELECT 1 FROM likes l WHERE l.post_id = p.id AND l.user_id = $1) AS is_liked,
    ` + bookmarked + ` AS is_bookmarked,
    (SELECT COUNT(*) FROM posts c WHERE c.parent_id = p.id) AS replies_count,
    p.author_id = $1 AS is_author`
}

// For the owner's own bookmark list the bookmark flag is true on every row.
var viewerPostSelect = postSelect(`EXISTS (SELECT 1 FROM bookmarks b WHERE b.post_id = p.id AND b.user_id = $1)`)

const postReturning = `RETURNING id, author_id, content, is_anonymous, parent_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// authorRow is the joined author of a post; nil when the row is missing.
type authorRow struct {
	ID        string
	Name      string
	DeletedAt *time.Time
}

// resolveAuthor picks the identity shown next to a post. A missing author
// wins over the anonymity flag, which wins over a soft-deleted author.
func resolveAuthor(p Post, author *authorRow) Author {
	switch {
	case author == nil:
		return Author{ID: MysteriousUserID, Name: mysteriousUserName}
	case p.IsAnonymous:
		return Author{ID: AnonymousUserID, Name: anonymousUserName}
	case author.DeletedAt != nil:
		return Author{ID: DeletedUserID, Name: deletedUserName}
	default:
		return Author{ID: author.ID, Name: author.Name}
	}
}

func scanPostView(row rowScanner) (PostView, error) {
	var (
		v               PostView
		authorID        *string
		authorName      *string
		authorDeletedAt *time.Time
	)
	err := row.Scan(
		&v.ID, &v.AuthorID, &v.Content, &v.IsAnonymous, &v.ParentID, &v.CreatedAt, &v.UpdatedAt,
		&authorID, &authorName, &authorDeletedAt,
		&v.LikeCount, &v.IsLikedByUser, &v.IsBookmarkedByUser, &v.RepliesCount, &v.IsAuthor,
	)
	if err != nil {
		return PostView{}, err
	}
	var author *authorRow
	if authorID != nil {
		author = &authorRow{ID: *authorID, DeletedAt: authorDeletedAt}
		if authorName != nil {
			author.Name = *authorName
		}
	}
	v.Author = resolveAuthor(v.Post, author)
	return v, nil
}

func scanPost(row rowScanner) (*Post, error) {
	var p Post
	err := row.Scan(&p.ID, &p.AuthorID, &p.Content, &p.IsAnonymous, &p.ParentID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPostViews(rows pgx.Rows) ([]PostView, error) {
	defer rows.Close()
	views := make([]PostView, 0)
	for rows.Next() {
		v, err := scanPostView(rows)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

func parseID(id, what string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", invalidArgument(what + " is not a valid id")
	}
	return parsed.String(), nil
}

// --- Post reads ---

// ListTopLevel returns a page of posts without a parent, newest first.
func (d *Database) ListTopLevel(ctx context.Context, viewer Identity, page Page) (PostPage, error) {
	if !viewer.Authenticated() {
		return PostPage{}, ErrUnauthenticated
	}
	q := d.conn(ctx)
	rows, err := q.Query(ctx, viewerPostSelect+`
FROM posts p LEFT JOIN users u ON u.id = p.author_id
WHERE p.parent_id IS NULL
ORDER BY p.created_at DESC, p.id DESC
LIMIT $2 OFFSET $3`, viewer.UserID, page.Limit, page.Offset)
	if err != nil {
		return PostPage{}, classifyStorageError("list top-level posts", err)
	}
	items, err := collectPostViews(rows)
	if err != nil {
		return PostPage{}, classifyStorageError("scan top-level posts", err)
	}
	var total int64
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM posts WHERE parent_id IS NULL`).Scan(&total); err != nil {
		return PostPage{}, classifyStorageError("count top-level posts", err)
	}
	return PostPage{Items: items, TotalCount: total}, nil
}

// GetPost returns nil, nil when no post has this id.
func (d *Database) GetPost(ctx context.Context, viewer Identity, id string) (*PostView, error) {
	if !viewer.Authenticated() {
		return nil, ErrUnauthenticated
	}
	id, err := parseID(id, "post id")
	if err != nil {
		return nil, err
	}
	row := d.conn(ctx).QueryRow(ctx, viewerPostSelect+`
FROM posts p LEFT JOIN users u ON u.id = p.author_id
WHERE p.id = $2`, viewer.UserID, id)
	v, err := scanPostView(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStorageError("get post", err)
	}
	return &v, nil
}

// ListReplies returns the direct replies of parentID, newest first.
func (d *Database) ListReplies(ctx context.Context, viewer Identity, parentID string, page Page) ([]PostView, error) {
	if !viewer.Authenticated() {
		return nil, ErrUnauthenticated
	}
	parentID, err := parseID(parentID, "post id")
	if err != nil {
		return nil, err
	}
	rows, err := d.conn(ctx).Query(ctx, viewerPostSelect+`
FROM posts p LEFT JOIN users u ON u.id = p.author_id
WHERE p.parent_id = $2
ORDER BY p.created_at DESC, p.id DESC
LIMIT $3 OFFSET $4`, viewer.UserID, parentID, page.Limit, page.Offset)
	if err != nil {
		return nil, classifyStorageError("list replies", err)
	}
	items, err := collectPostViews(rows)
	if err != nil {
		return nil, classifyStorageError("scan replies", err)
	}
	return items, nil
}

// ListBookmarked returns the posts ownerID bookmarked, newest post first.
// Per-row flags stay relative to viewer, who may be someone else.
func (d *Database) ListBookmarked(ctx context.Context, viewer Identity, ownerID string, page Page) (PostPage, error) {
	if !viewer.Authenticated() {
		return PostPage{}, ErrUnauthenticated
	}
	ownerID, err := parseID(ownerID, "user id")
	if err != nil {
		return PostPage{}, err
	}
	q := d.conn(ctx)
	rows, err := q.Query(ctx, viewerPostSelect+`
FROM bookmarks bm
JOIN posts p ON p.id = bm.post_id
LEFT JOIN users u ON u.id = p.author_id
WHERE bm.user_id = $2
ORDER BY p.created_at DESC, p.id DESC
LIMIT $3 OFFSET $4`, viewer.UserID, ownerID, page.Limit, page.Offset)
	if err != nil {
		return PostPage{}, classifyStorageError("list bookmarked posts", err)
	}
	items, err := collectPostViews(rows)
	if err != nil {
		return PostPage{}, classifyStorageError("scan bookmarked posts", err)
	}
	var total int64
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM bookmarks WHERE user_id = $1`, ownerID).Scan(&total); err != nil {
		return PostPage{}, classifyStorageError("count bookmarked posts", err)
	}
	return PostPage{Items: items, TotalCount: total}, nil
}

// --- Post writes ---

// CreatePost stores a post or a reply. Replies may only target top-level
// posts.
func (d *Database) CreatePost(ctx context.Context, in NewPost) (*Post, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, validationError("content must not be empty")
	}
	q := d.conn(ctx)
	if in.ParentID != nil {
		parentID, err := parseID(*in.ParentID, "parent id")
		if err != nil {
			return nil, err
		}
		var grandparent *string
		err = q.QueryRow(ctx, `SELECT parent_id FROM posts WHERE id = $1`, parentID).Scan(&grandparent)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("parent post not found")
		}
		if err != nil {
			return nil, classifyStorageError("load parent post", err)
		}
		if grandparent != nil {
			return nil, validationError("replies cannot be nested")
		}
		in.ParentID = &parentID
	}
	row := q.QueryRow(ctx, `INSERT INTO posts (author_id, content, is_anonymous, parent_id)
VALUES ($1, $2, $3, $4) `+postReturning, in.AuthorID, in.Content, in.IsAnonymous, in.ParentID)
	p, err := scanPost(row)
	if err != nil {
		return nil, classifyStorageError("create post", err)
	}
	d.log.Info().Str("post_id", p.ID).Bool("reply", p.ParentID != nil).Msg("post created")
	return p, nil
}

// UpdatePost edits a post on behalf of requesterID. It returns nil, nil when
// the post does not exist or belongs to someone else.
func (d *Database) UpdatePost(ctx context.Context, postID, requesterID, content string, isAnonymous bool) (*Post, error) {
	if strings.TrimSpace(content) == "" {
		return nil, validationError("content must not be empty")
	}
	postID, err := parseID(postID, "post id")
	if err != nil {
		return nil, err
	}
	row := d.conn(ctx).QueryRow(ctx, `UPDATE posts SET content = $1, is_anonymous = $2, updated_at = NOW()
WHERE id = $3 AND author_id = $4 `+postReturning, content, isAnonymous, postID, requesterID)
	p, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStorageError("update post", err)
	}
	return p, nil
}

// DeletePost removes a post owned by requesterID and reports whether a row
// was removed.
func (d *Database) DeletePost(ctx context.Context, postID, requesterID string) (bool, error) {
	postID, err := parseID(postID, "post id")
	if err != nil {
		return false, err
	}
	tag, err := d.conn(ctx).Exec(ctx, `DELETE FROM posts WHERE id = $1 AND author_id = $2`, postID, requesterID)
	if err != nil {
		return false, classifyStorageError("delete post", err)
	}
	if tag.RowsAffected() > 0 {
		d.log.Info().Str("post_id", postID).Msg("post deleted")
		return true, nil
	}
	return false, nil
}
