// forum/handlers.go
package forum

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/alexedwards/scs/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const maxBodyBytes = 64 << 10

// PostsViewData is the body of a paginated post listing.
type PostsViewData struct {
	Items      []PostView     `json:"items"`
	TotalCount int64          `json:"totalCount"`
	Pagination PaginationData `json:"pagination"`
}

type Handlers struct {
	db      *Database
	conns   ConnSource
	codec   *SessionCodec
	rls     *RLSContextSetter
	gate    *Gate
	mailer  Mailer
	cfg     Config
	log     zerolog.Logger
	Session *scs.SessionManager
}

func NewHandlers(db *Database, conns ConnSource, codec *SessionCodec, rls *RLSContextSetter, mailer Mailer, cfg Config, log zerolog.Logger) *Handlers {
	session := scs.New()
	session.Lifetime = verificationCodeTTL
	session.Cookie.Name = "signup_session"
	session.Cookie.HttpOnly = true
	session.Cookie.Secure = cfg.Production()
	session.Cookie.SameSite = http.SameSiteLaxMode
	session.ErrorFunc = func(w http.ResponseWriter, r *http.Request, err error) {
		hlog.FromRequest(r).Error().Err(err).Msg("server session failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
	return &Handlers{
		db:      db,
		conns:   conns,
		codec:   codec,
		rls:     rls,
		gate:    NewGate(db, db),
		mailer:  mailer,
		cfg:     cfg,
		log:     log,
		Session: session,
	}
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /posts", h.listPosts)
	mux.HandleFunc("POST /posts", h.createPost)
	mux.HandleFunc("GET /posts/{id}", h.showPost)
	mux.HandleFunc("PUT /posts/{id}", h.updatePost)
	mux.HandleFunc("DELETE /posts/{id}", h.deletePost)
	mux.HandleFunc("GET /posts/{id}/replies", h.listReplies)
	mux.HandleFunc("POST /posts/{id}/likes", h.toggleLike)
	mux.HandleFunc("POST /posts/{id}/bookmarks", h.toggleBookmark)
	mux.HandleFunc("GET /users/{userId}", h.showUser)
	mux.HandleFunc("GET /users/{userId}/bookmarks", h.listBookmarks)

	mux.HandleFunc("GET /user", h.currentUser)
	mux.HandleFunc("PUT /user", h.updateAccount)
	mux.HandleFunc("DELETE /user", h.deleteAccount)
	mux.HandleFunc("PUT /user/password", h.updatePassword)
	mux.HandleFunc("GET /activity", h.listActivity)
	mux.HandleFunc("GET /team", h.showTeam)
	mux.HandleFunc("POST /team/invitations", h.inviteTeamMember)
	mux.HandleFunc("DELETE /team/members/{memberId}", h.removeTeamMember)

	mux.HandleFunc("POST /auth/verification-code", h.sendVerificationCode)
	mux.HandleFunc("POST /auth/sign-up", h.signUp)
	mux.HandleFunc("POST /auth/sign-in", h.signIn)
	mux.HandleFunc("POST /auth/sign-out", h.signOut)
}

// Handler wires the routes behind the session, server-session, timeout and
// access-log middleware.
func (h *Handlers) Handler() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	var handler http.Handler = h.withSession(mux)
	handler = h.Session.LoadAndSave(handler)
	handler = withTimeout(h.cfg.RequestTimeout, handler)
	return withAccessLog(h.log, handler)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type message struct {
	Message string `json:"message"`
}

// jsonBody binds the request body.
func jsonBody[In any](r *http.Request) Binder[In] {
	return func(in *In) error {
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		if err := dec.Decode(in); err != nil {
			if errors.Is(err, io.EOF) {
				return validationError("request body is required")
			}
			return validationError("request body is malformed")
		}
		return nil
	}
}

// noBody binds nothing.
func noBody(*struct{}) error { return nil }

// viewer is the read-side check: a valid token is not enough, the account
// must still be live.
func (h *Handlers) viewer(ctx context.Context) (Identity, error) {
	u, err := h.gate.currentUser(ctx)
	if err != nil {
		return Identity{}, err
	}
	return u.Identity(), nil
}

// --- Posts ---

// listPosts pages through top-level posts.
func (h *Handlers) listPosts(w http.ResponseWriter, r *http.Request) {
	viewer, err := h.viewer(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := ParsePage(r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	posts, err := h.db.ListTopLevel(r.Context(), viewer, page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PostsViewData{
		Items:      posts.Items,
		TotalCount: posts.TotalCount,
		Pagination: page.Meta(posts.TotalCount),
	})
}

type createPostRequest struct {
	Content     string  `json:"content" validate:"notblank"`
	IsAnonymous *bool   `json:"isAnonymous" validate:"required"`
	ParentID    *string `json:"parentId" validate:"omitempty,uuid"`
}

func (h *Handlers) createPost(w http.ResponseWriter, r *http.Request) {
	bind := func(in *createPostRequest) error {
		if err := jsonBody[createPostRequest](r)(in); err != nil {
			return err
		}
		// An empty parent id means a top-level post.
		if in.ParentID != nil && *in.ParentID == "" {
			in.ParentID = nil
		}
		return nil
	}
	post, err := ValidatedWithUser(h.gate, func(ctx context.Context, in createPostRequest, u *User) (*Post, error) {
		return h.db.CreatePost(ctx, NewPost{
			AuthorID:    u.ID,
			Content:     in.Content,
			IsAnonymous: *in.IsAnonymous,
			ParentID:    in.ParentID,
		})
	})(r.Context(), bind)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (h *Handlers) showPost(w http.ResponseWriter, r *http.Request) {
	viewer, err := h.viewer(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	post, err := h.db.GetPost(r.Context(), viewer, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if post == nil {
		h.fail(w, r, notFound("post not found"))
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// ownershipError tells a missing post from someone else's post. The
// repository cannot, so the post is fetched again.
func (h *Handlers) ownershipError(ctx context.Context, viewer Identity, postID string) error {
	existing, err := h.db.GetPost(ctx, viewer, postID)
	if err != nil {
		return err
	}
	if existing != nil && !existing.IsAuthor {
		return newError(KindForbidden, "you are not the author of this post")
	}
	return notFound("post not found")
}

type updatePostRequest struct {
	Content     string `json:"content" validate:"notblank"`
	IsAnonymous *bool  `json:"isAnonymous" validate:"required"`
}

func (h *Handlers) updatePost(w http.ResponseWriter, r *http.Request) {
	postID := r.PathValue("id")
	post, err := ValidatedWithUser(h.gate, func(ctx context.Context, in updatePostRequest, u *User) (*Post, error) {
		updated, err := h.db.UpdatePost(ctx, postID, u.ID, in.Content, *in.IsAnonymous)
		if err != nil {
			return nil, err
		}
		if updated == nil {
			return nil, h.ownershipError(ctx, u.Identity(), postID)
		}
		return updated, nil
	})(r.Context(), jsonBody[updatePostRequest](r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *Handlers) deletePost(w http.ResponseWriter, r *http.Request) {
	postID := r.PathValue("id")
	_, err := ValidatedWithUser(h.gate, func(ctx context.Context, _ struct{}, u *User) (struct{}, error) {
		deleted, err := h.db.DeletePost(ctx, postID, u.ID)
		if err != nil {
			return struct{}{}, err
		}
		if !deleted {
			return struct{}{}, h.ownershipError(ctx, u.Identity(), postID)
		}
		return struct{}{}, nil
	})(r.Context(), noBody)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, message{Message: "post deleted"})
}

func (h *Handlers) listReplies(w http.ResponseWriter, r *http.Request) {
	viewer, err := h.viewer(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := ParsePage(r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	replies, err := h.db.ListReplies(r.Context(), viewer, r.PathValue("id"), page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, replies)
}

func (h *Handlers) toggleLike(w http.ResponseWriter, r *http.Request) {
	postID := r.PathValue("id")
	state, err := ValidatedWithUser(h.gate, func(ctx context.Context, _ struct{}, u *User) (LikeState, error) {
		return h.db.ToggleLike(ctx, u.ID, postID)
	})(r.Context(), noBody)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type bookmarkState struct {
	IsBookmarked bool `json:"isBookmarked"`
}

func (h *Handlers) toggleBookmark(w http.ResponseWriter, r *http.Request) {
	postID := r.PathValue("id")
	state, err := ValidatedWithUser(h.gate, func(ctx context.Context, _ struct{}, u *User) (bookmarkState, error) {
		bookmarked, err := h.db.ToggleBookmark(ctx, u.ID, postID)
		return bookmarkState{IsBookmarked: bookmarked}, err
	})(r.Context(), noBody)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// --- Users ---

func (h *Handlers) listBookmarks(w http.ResponseWriter, r *http.Request) {
	viewer, err := h.viewer(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := ParsePage(r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	posts, err := h.db.ListBookmarked(r.Context(), viewer, r.PathValue("userId"), page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PostsViewData{
		Items:      posts.Items,
		TotalCount: posts.TotalCount,
		Pagination: page.Meta(posts.TotalCount),
	})
}

// showUser is public.
func (h *Handlers) showUser(w http.ResponseWriter, r *http.Request) {
	profile, err := h.db.GetUserProfile(r.Context(), r.PathValue("userId"))
	if err != nil {
		if KindOf(err) == KindInvalidArgument {
			err = notFound("user not found")
		}
		h.fail(w, r, err)
		return
	}
	if profile == nil {
		h.fail(w, r, notFound("user not found"))
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handlers) currentUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.gate.currentUser(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user.Sanitize())
}

func (h *Handlers) listActivity(w http.ResponseWriter, r *http.Request) {
	user, err := h.gate.currentUser(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logs, err := h.db.RecentActivity(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handlers) showTeam(w http.ResponseWriter, r *http.Request) {
	team, err := WithTeam(h.gate, func(_ context.Context, _ struct{}, _ *User, t *Team) (*Team, error) {
		return t, nil
	})(r.Context(), noBody)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}
