package forum

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	postA   = "11111111-1111-4111-8111-111111111111"
	postB   = "22222222-2222-4222-8222-222222222222"
	otherID = "5d6e7f80-0000-4000-8000-000000000001"
)

var (
	t0          = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	viewColumns = []string{
		"id", "author_id", "content", "is_anonymous", "parent_id", "created_at", "updated_at",
		"u_id", "u_name", "u_deleted_at",
		"like_count", "is_liked", "is_bookmarked", "replies_count", "is_author",
	}
	postColumns = []string{"id", "author_id", "content", "is_anonymous", "parent_id", "created_at", "updated_at"}
)

func strPtr(s string) *string { return &s }

// viewRow is one annotated post row as the database returns it. A nil
// authorName models a missing author row.
type viewRow struct {
	id, authorID, content string
	anonymous             bool
	authorName            *string
	authorDeleted         bool
	likes, replies        int64
	liked, bookmarked     bool
	isAuthor              bool
}

func (v viewRow) values() []any {
	var authorID, deletedAt any
	if v.authorName != nil {
		authorID = strPtr(v.authorID)
		if v.authorDeleted {
			ts := t0
			deletedAt = &ts
		}
	}
	return []any{
		v.id, v.authorID, v.content, v.anonymous, nil, t0, t0,
		authorID, v.authorName, deletedAt,
		v.likes, v.liked, v.bookmarked, v.replies, v.isAuthor,
	}
}

func viewRows(rows ...viewRow) *pgxmock.Rows {
	r := pgxmock.NewRows(viewColumns)
	for _, v := range rows {
		r.AddRow(v.values()...)
	}
	return r
}

func newMockDB(t *testing.T) (*Database, pgxmock.PgxConnIface) {
	t.Helper()
	mock := newMockConn(t)
	return newDatabaseWith(mock, zerolog.Nop()), mock
}

func sqlPattern(s string) string { return regexp.QuoteMeta(s) }

func TestResolveAuthor(t *testing.T) {
	deleted := t0
	live := &authorRow{ID: otherID, Name: "bob"}
	gone := &authorRow{ID: otherID, Name: "bob", DeletedAt: &deleted}

	cases := []struct {
		name      string
		anonymous bool
		author    *authorRow
		want      Author
	}{
		{"visible", false, live, Author{ID: otherID, Name: "bob"}},
		{"anonymous", true, live, Author{ID: AnonymousUserID, Name: "Anonymous"}},
		{"deleted", false, gone, Author{ID: DeletedUserID, Name: "Deleted user"}},
		{"anonymous wins over deleted", true, gone, Author{ID: AnonymousUserID, Name: "Anonymous"}},
		{"missing", false, nil, Author{ID: MysteriousUserID, Name: "Mysterious user"}},
		{"missing wins over anonymous", true, nil, Author{ID: MysteriousUserID, Name: "Mysterious user"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resolveAuthor(Post{IsAnonymous: tc.anonymous}, tc.author))
		})
	}
}

func TestListTopLevelRequiresViewer(t *testing.T) {
	db, mock := newMockDB(t)
	_, err := db.ListTopLevel(context.Background(), Identity{}, Page{Limit: 10})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTopLevel(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(sqlPattern("WHERE p.parent_id IS NULL\nORDER BY p.created_at DESC, p.id DESC")).
		WithArgs(testIdentity.UserID, 2, 0).
		WillReturnRows(viewRows(
			viewRow{id: postB, authorID: otherID, content: "second", anonymous: true, authorName: strPtr("bob"), likes: 3, liked: true},
			viewRow{id: postA, authorID: testIdentity.UserID, content: "first", authorName: strPtr("alice"), replies: 2, bookmarked: true, isAuthor: true},
		))
	mock.ExpectQuery(sqlPattern("SELECT COUNT(*) FROM posts WHERE parent_id IS NULL")).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(5)))

	page, err := db.ListTopLevel(context.Background(), testIdentity, Page{Offset: 0, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(5), page.TotalCount)

	second := page.Items[0]
	assert.Equal(t, postB, second.ID)
	assert.Equal(t, Author{ID: AnonymousUserID, Name: "Anonymous"}, second.Author)
	assert.Equal(t, int64(3), second.LikeCount)
	assert.True(t, second.IsLikedByUser)
	assert.False(t, second.IsAuthor)

	first := page.Items[1]
	assert.Equal(t, Author{ID: testIdentity.UserID, Name: "alice"}, first.Author)
	assert.Equal(t, int64(2), first.RepliesCount)
	assert.True(t, first.IsBookmarkedByUser)
	assert.True(t, first.IsAuthor)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTopLevelEmpty(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(sqlPattern("WHERE p.parent_id IS NULL")).WillReturnRows(viewRows())
	mock.ExpectQuery(sqlPattern("SELECT COUNT(*) FROM posts")).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))

	page, err := db.ListTopLevel(context.Background(), testIdentity, Page{Limit: 10})
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPostMissingAuthor(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(sqlPattern("WHERE p.id = $2")).
		WithArgs(testIdentity.UserID, postA).
		WillReturnRows(viewRows(viewRow{id: postA, authorID: otherID, content: "orphan"}))

	v, err := db.GetPost(context.Background(), testIdentity, postA)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, MysteriousUserID, v.Author.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPostNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(sqlPattern("WHERE p.id = $2")).WillReturnError(pgx.ErrNoRows)

	v, err := db.GetPost(context.Background(), testIdentity, postA)
	assert.NoError(t, err)
	assert.Nil(t, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPostInvalidID(t *testing.T) {
	db, mock := newMockDB(t)
	_, err := db.GetPost(context.Background(), testIdentity, "not-a-uuid")
	assert.Equal(t, KindInvalidArgument, KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePostRejectsBlankContent(t *testing.T) {
	db, mock := newMockDB(t)
	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := db.CreatePost(context.Background(), NewPost{AuthorID: testIdentity.UserID, Content: content})
		assert.Equal(t, KindValidation, KindOf(err))
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePostTopLevel(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(sqlPattern("INSERT INTO posts (author_id, content, is_anonymous, parent_id)")).
		WithArgs(testIdentity.UserID, "hello", true, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(postColumns).
			AddRow(postA, testIdentity.UserID, "hello", true, nil, t0, t0))

	p, err := db.CreatePost(context.Background(), NewPost{AuthorID: testIdentity.UserID, Content: "hello", IsAnonymous: true})
	require.NoError(t, err)
	assert.Equal(t, postA, p.ID)
	assert.True(t, p.IsAnonymous)
	assert.Nil(t, p.ParentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateReply(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(sqlPattern("SELECT parent_id FROM posts WHERE id = $1")).
		WithArgs(postA).
		WillReturnRows(pgxmock.NewRows([]string{"parent_id"}).AddRow(nil))
	mock.ExpectQuery(sqlPattern("INSERT INTO posts")).
		WillReturnRows(pgxmock.NewRows(postColumns).
			AddRow(postB, testIdentity.UserID, "reply", false, strPtr(postA), t0, t0))

	p, err := db.CreatePost(context.Background(), NewPost{AuthorID: testIdentity.UserID, Content: "reply", ParentID: strPtr(postA)})
	require.NoError(t, err)
	require.NotNil(t, p.ParentID)
	assert.Equal(t, postA, *p.ParentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateReplyToReplyRejected(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(sqlPattern("SELECT parent_id FROM posts WHERE id = $1")).
		WithArgs(postB).
		WillReturnRows(pgxmock.NewRows([]string{"parent_id"}).AddRow(strPtr(postA)))

	_, err := db.CreatePost(context.Background(), NewPost{AuthorID: testIdentity.UserID, Content: "deep", ParentID: strPtr(postB)})
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "replies cannot be nested", PublicMessage(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateReplyMissingParent(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(sqlPattern("SELECT parent_id FROM posts")).WillReturnError(pgx.ErrNoRows)

	_, err := db.CreatePost(context.Background(), NewPost{AuthorID: testIdentity.UserID, Content: "hi", ParentID: strPtr(postA)})
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePostNotOwned(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(sqlPattern("UPDATE posts SET content = $1, is_anonymous = $2")).
		WithArgs("edited", false, postA, otherID).
		WillReturnError(pgx.ErrNoRows)

	p, err := db.UpdatePost(context.Background(), postA, otherID, "edited", false)
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePost(t *testing.T) {
	db, mock := newMockDB(t)
	later := t0.Add(time.Minute)
	mock.ExpectQuery(sqlPattern("UPDATE posts SET")).
		WithArgs("edited", true, postA, testIdentity.UserID).
		WillReturnRows(pgxmock.NewRows(postColumns).
			AddRow(postA, testIdentity.UserID, "edited", true, nil, t0, later))

	p, err := db.UpdatePost(context.Background(), postA, testIdentity.UserID, "edited", true)
	require.NoError(t, err)
	assert.Equal(t, "edited", p.Content)
	assert.True(t, p.UpdatedAt.After(p.CreatedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeletePost(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(sqlPattern("DELETE FROM posts WHERE id = $1 AND author_id = $2")).
		WithArgs(postA, otherID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(sqlPattern("DELETE FROM posts WHERE id = $1 AND author_id = $2")).
		WithArgs(postA, testIdentity.UserID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	deleted, err := db.DeletePost(context.Background(), postA, otherID)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = db.DeletePost(context.Background(), postA, testIdentity.UserID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBookmarked(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(sqlPattern("WHERE bm.user_id = $2")).
		WithArgs(testIdentity.UserID, testIdentity.UserID, 10, 0).
		WillReturnRows(viewRows(viewRow{id: postA, authorID: otherID, content: "saved", authorName: strPtr("bob"), authorDeleted: true, bookmarked: true}))
	mock.ExpectQuery(sqlPattern("SELECT COUNT(*) FROM bookmarks WHERE user_id = $1")).
		WithArgs(testIdentity.UserID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))

	page, err := db.ListBookmarked(context.Background(), testIdentity, testIdentity.UserID, Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, DeletedUserID, page.Items[0].Author.ID)
	assert.True(t, page.Items[0].IsBookmarkedByUser)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBookmarkedOfAnotherUserKeepsAnonymity(t *testing.T) {
	db, mock := newMockDB(t)

	// Alice bookmarked her own anonymous post. Bob is the one looking, so
	// every per-row flag must be computed for bob.
	mock.ExpectQuery(sqlPattern("WHERE bm.user_id = $2")).
		WithArgs(bob.UserID, testIdentity.UserID, 10, 0).
		WillReturnRows(viewRows(viewRow{id: postA, authorID: testIdentity.UserID, content: "secret", anonymous: true, authorName: strPtr("alice")}))
	mock.ExpectQuery(sqlPattern("SELECT COUNT(*) FROM bookmarks WHERE user_id = $1")).
		WithArgs(testIdentity.UserID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))

	page, err := db.ListBookmarked(context.Background(), bob, testIdentity.UserID, Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	got := page.Items[0]
	assert.False(t, got.IsAuthor)
	assert.False(t, got.IsBookmarkedByUser)
	assert.Equal(t, Author{ID: AnonymousUserID, Name: "Anonymous"}, got.Author)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBookmarkedRequiresViewer(t *testing.T) {
	db, mock := newMockDB(t)
	_, err := db.ListBookmarked(context.Background(), Identity{}, testIdentity.UserID, Page{Limit: 10})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListReplies(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(sqlPattern("WHERE p.parent_id = $2")).
		WithArgs(testIdentity.UserID, postA, 10, 0).
		WillReturnRows(viewRows(
			viewRow{id: postB, authorID: testIdentity.UserID, content: "me too", authorName: strPtr("alice"), isAuthor: true, likes: 1},
		))

	replies, err := db.ListReplies(context.Background(), testIdentity, postA, Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, postB, replies[0].ID)
	assert.True(t, replies[0].IsAuthor)
	assert.Equal(t, int64(1), replies[0].LikeCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRepliesEmpty(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(sqlPattern("WHERE p.parent_id = $2")).WillReturnRows(viewRows())

	replies, err := db.ListReplies(context.Background(), testIdentity, postA, Page{Limit: 10})
	require.NoError(t, err)
	assert.NotNil(t, replies)
	assert.Empty(t, replies)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRepliesInvalidParent(t *testing.T) {
	db, mock := newMockDB(t)
	_, err := db.ListReplies(context.Background(), testIdentity, "nope", Page{Limit: 10})
	assert.Equal(t, KindInvalidArgument, KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatedPostAppearsInListing(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()

	mock.ExpectQuery(sqlPattern("INSERT INTO posts")).
		WillReturnRows(pgxmock.NewRows(postColumns).
			AddRow(postA, testIdentity.UserID, "Hello World!", false, nil, t0, t0))
	mock.ExpectQuery(sqlPattern("WHERE p.parent_id IS NULL")).
		WithArgs(otherID, 10, 0).
		WillReturnRows(viewRows(viewRow{id: postA, authorID: testIdentity.UserID, content: "Hello World!", authorName: strPtr("alice")}))
	mock.ExpectQuery(sqlPattern("SELECT COUNT(*) FROM posts")).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1)))

	created, err := db.CreatePost(ctx, NewPost{AuthorID: testIdentity.UserID, Content: "Hello World!"})
	require.NoError(t, err)

	viewer := Identity{UserID: otherID, Email: "bob@stu.pku.edu.cn", Role: RoleMember}
	page, err := db.ListTopLevel(ctx, viewer, Page{Limit: DefaultLimit})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	got := page.Items[0]
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "Hello World!", got.Content)
	assert.Equal(t, int64(0), got.RepliesCount)
	assert.Equal(t, int64(0), got.LikeCount)
	assert.False(t, got.IsLikedByUser)
	assert.Equal(t, Author{ID: testIdentity.UserID, Name: "alice"}, got.Author)
	assert.NoError(t, mock.ExpectationsWereMet())
}
