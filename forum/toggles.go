package forum

import (
	"context"
)

// toggleTable names a (user_id, post_id) membership table. Only the two
// constants below are ever interpolated into SQL.
type toggleTable string

const (
	likesTable     toggleTable = "likes"
	bookmarksTable toggleTable = "bookmarks"
)

// toggle flips the membership of (userID, postID) in table and returns the
// new state. Two concurrent toggles may both see "absent"; the loser's insert
// hits the unique constraint and is treated as already present.
func (d *Database) toggle(ctx context.Context, table toggleTable, userID, postID string) (bool, error) {
	postID, err := parseID(postID, "post id")
	if err != nil {
		return false, err
	}
	q := d.conn(ctx)
	var exists bool
	err = q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+string(table)+` WHERE user_id = $1 AND post_id = $2)`,
		userID, postID).Scan(&exists)
	if err != nil {
		return false, classifyStorageError("check "+string(table), err)
	}

	if exists {
		_, err = q.Exec(ctx, `DELETE FROM `+string(table)+` WHERE user_id = $1 AND post_id = $2`, userID, postID)
		if err != nil {
			return false, classifyStorageError("delete from "+string(table), err)
		}
		return false, nil
	}

	_, err = q.Exec(ctx, `INSERT INTO `+string(table)+` (user_id, post_id) VALUES ($1, $2)`, userID, postID)
	if err != nil {
		err = classifyStorageError("insert into "+string(table), err)
		if isConflict(err) {
			return true, nil
		}
		if KindOf(err) == KindNotFound {
			return false, notFound("post not found")
		}
		return false, err
	}
	return true, nil
}

// ToggleLike likes or unlikes postID for userID. The count is read after the
// mutation.
func (d *Database) ToggleLike(ctx context.Context, userID, postID string) (LikeState, error) {
	liked, err := d.toggle(ctx, likesTable, userID, postID)
	if err != nil {
		return LikeState{}, err
	}
	count, err := d.LikeCount(ctx, postID)
	if err != nil {
		return LikeState{}, err
	}
	return LikeState{Liked: liked, LikeCount: count}, nil
}

func (d *Database) LikeCount(ctx context.Context, postID string) (int64, error) {
	var count int64
	err := d.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM likes WHERE post_id = $1`, postID).Scan(&count)
	if err != nil {
		return 0, classifyStorageError("count likes", err)
	}
	return count, nil
}

// ToggleBookmark bookmarks or un-bookmarks postID for userID.
func (d *Database) ToggleBookmark(ctx context.Context, userID, postID string) (bool, error) {
	return d.toggle(ctx, bookmarksTable, userID, postID)
}
