// forum/handlers.go
package forum

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/go-playground/validator/v10"

	"github.com/rexlx/anonboard/identity"
)

const PageSize = 50

const sessionUserKey = "user_id"

var errUnauthenticated = errors.New("authentication required")

// PaginationData holds all the necessary info for rendering pagination controls.
type PaginationData struct {
	CurrentPage int  `json:"current_page"`
	TotalPages  int  `json:"total_pages"`
	NextPage    int  `json:"next_page"`
	PrevPage    int  `json:"prev_page"`
	HasNext     bool `json:"has_next"`
	HasPrev     bool `json:"has_prev"`
}

// PostsViewData is the response for post listings.
type PostsViewData struct {
	Posts      []PostView     `json:"posts"`
	Pagination PaginationData `json:"pagination"`
}

// PostView is a post as shown to a particular viewer. Author is withheld on
// anonymous posts unless the viewer wrote them.
type PostView struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	Author    string     `json:"author,omitempty"`
	ParentID  string     `json:"parent_id,omitempty"`
	Anonym    bool       `json:"anonym"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	Reports   int        `json:"reports"`
	Mine      bool       `json:"mine,omitempty"`
}

type PostDetail struct {
	PostView
	Likes int  `json:"likes"`
	Liked bool `json:"liked"`
}

type LikesView struct {
	Count int  `json:"count"`
	Liked bool `json:"liked"`
}

type ProfileView struct {
	ID       string `json:"id"`
	Handle   string `json:"handle"`
	Name     string `json:"name"`
	ImageURL string `json:"image_url"`
	Email    string `json:"email,omitempty"`
	Anonym   *bool  `json:"anonym,omitempty"`
}

type AuthResponse struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type signupRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Handle    string `json:"handle" validate:"required,min=2,max=32"`
	FirstName string `json:"first_name" validate:"max=64"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type createPostRequest struct {
	Text     string `json:"text" validate:"required,max=10000"`
	Anonym   *bool  `json:"anonym"`
	ParentID string `json:"parent_id" validate:"omitempty,uuid"`
}

type editPostRequest struct {
	Text string `json:"text" validate:"required,max=10000"`
}

type anonymityRequest struct {
	Anonym *bool `json:"anonym" validate:"required"`
}

// Accounts registers and signs in users.
type Accounts interface {
	Register(ctx context.Context, email, handle, firstName, password string) (*identity.User, error)
	Authenticate(ctx context.Context, email, password string) (*identity.User, error)
}

type Handlers struct {
	svc      *Service
	accounts Accounts
	tokens   *identity.Issuer
	Session  *scs.SessionManager
	validate *validator.Validate
	log      *slog.Logger
}

func NewHandlers(svc *Service, accounts Accounts, tokens *identity.Issuer, session *scs.SessionManager, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		svc:      svc,
		accounts: accounts,
		tokens:   tokens,
		Session:  session,
		validate: validator.New(),
		log:      logger,
	}
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	route := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, h.instrument(pattern, fn))
	}

	route("POST /signup", h.signup)
	route("POST /login", h.login)
	route("POST /logout", h.logout)

	route("GET /posts", h.listPosts)
	route("POST /posts", h.authenticate(h.createPost))
	route("GET /posts/{id}", h.showPost)
	route("PATCH /posts/{id}", h.authenticate(h.editPost))
	route("DELETE /posts/{id}", h.authenticate(h.deletePost))
	route("GET /posts/{id}/comments", h.listComments)

	route("GET /posts/{id}/likes", h.showLikes)
	route("POST /posts/{id}/likes", h.authenticate(h.likePost))
	route("DELETE /posts/{id}/likes", h.authenticate(h.unlikePost))
	route("POST /posts/{id}/reports", h.authenticate(h.reportPost))

	route("GET /users/{id}", h.showUser)
	route("GET /users/{id}/posts", h.listUserPosts)

	route("GET /activity", h.authenticate(h.showActivity))
	route("GET /feed", h.authenticate(h.showFeed))
	route("GET /subscriptions/{id}", h.authenticate(h.checkSubscription))
	route("POST /subscriptions/{id}", h.authenticate(h.subscribe))
	route("DELETE /subscriptions/{id}", h.authenticate(h.unsubscribe))

	route("PUT /me/anonymity", h.authenticate(h.setAnonymity))
}

// --- Accounts ---

func (h *Handlers) signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	user, err := h.accounts.Register(r.Context(), req.Email, req.Handle, req.FirstName, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.log.Info("user registered", slog.String("user_id", user.ID))
	h.signIn(w, r, user.ID, http.StatusCreated)
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	user, err := h.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.signIn(w, r, user.ID, http.StatusOK)
}

func (h *Handlers) signIn(w http.ResponseWriter, r *http.Request, userID string, status int) {
	token, expiry, err := h.tokens.Issue(userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.Session != nil {
		if err := h.Session.RenewToken(r.Context()); err != nil {
			h.fail(w, r, err)
			return
		}
		h.Session.Put(r.Context(), sessionUserKey, userID)
	}
	writeJSON(w, status, AuthResponse{UserID: userID, Token: token, ExpiresAt: expiry})
}

func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	if h.Session != nil {
		if err := h.Session.Destroy(r.Context()); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Posts ---

// listPosts handles paginating all top-level posts.
func (h *Handlers) listPosts(w http.ResponseWriter, r *http.Request) {
	h.writePosts(w, r, PostFilter{TopLevelOnly: true})
}

func (h *Handlers) createPost(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	var req createPostRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	anonym := actor.Anonymous
	if req.Anonym != nil {
		anonym = *req.Anonym
	}
	post, err := h.svc.CreatePost(r.Context(), req.Text, anonym, req.ParentID, actor.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, present(*post, actor.ID))
}

func (h *Handlers) showPost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	viewer := h.userID(r)
	post, err := h.svc.GetPostByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	likes, err := h.likesFor(r.Context(), id, viewer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PostDetail{PostView: present(*post, viewer), Likes: likes.Count, Liked: likes.Liked})
}

func (h *Handlers) listComments(w http.ResponseWriter, r *http.Request) {
	h.writePosts(w, r, PostFilter{ParentIDs: []string{r.PathValue("id")}})
}

func (h *Handlers) editPost(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	var req editPostRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	post, err := h.svc.EditPost(r.Context(), r.PathValue("id"), req.Text, actor.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, present(*post, actor.ID))
}

func (h *Handlers) deletePost(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if err := h.svc.DeletePost(r.Context(), r.PathValue("id"), actor.ID, false); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Engagement ---

func (h *Handlers) showLikes(w http.ResponseWriter, r *http.Request) {
	likes, err := h.likesFor(r.Context(), r.PathValue("id"), h.userID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, likes)
}

func (h *Handlers) likePost(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	id := r.PathValue("id")
	if err := h.svc.LikePost(r.Context(), id, actor); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeLikes(w, r, id, actor.ID)
}

func (h *Handlers) unlikePost(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	id := r.PathValue("id")
	if err := h.svc.UnlikePost(r.Context(), id, actor); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeLikes(w, r, id, actor.ID)
}

func (h *Handlers) reportPost(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	result, err := h.svc.ReportPost(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) likesFor(ctx context.Context, postID, viewer string) (LikesView, error) {
	count, err := h.svc.GetLikesCount(ctx, postID)
	if err != nil {
		return LikesView{}, err
	}
	view := LikesView{Count: count}
	if viewer != "" {
		if view.Liked, err = h.svc.CheckLike(ctx, postID, viewer); err != nil {
			return LikesView{}, err
		}
	}
	return view, nil
}

func (h *Handlers) writeLikes(w http.ResponseWriter, r *http.Request, postID, viewer string) {
	likes, err := h.likesFor(r.Context(), postID, viewer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, likes)
}

// --- Users ---

func (h *Handlers) showUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	user, err := h.svc.GetUserByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view := ProfileView{
		ID:       user.ID,
		Handle:   user.Handle,
		Name:     user.DisplayName(),
		ImageURL: user.ImageURL,
	}
	if h.userID(r) == user.ID {
		anonym := user.Metadata.Anonym
		view.Email = user.Email
		view.Anonym = &anonym
	}
	writeJSON(w, http.StatusOK, view)
}

// listUserPosts shows a profile's threads. Other viewers never see the
// user's anonymous posts here.
func (h *Handlers) listUserPosts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.writePosts(w, r, PostFilter{
		Authors:          []string{id},
		TopLevelOnly:     true,
		ExcludeAnonymous: h.userID(r) != id,
	})
}

func (h *Handlers) setAnonymity(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	var req anonymityRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.SetAnonymity(r.Context(), actor.ID, *req.Anonym); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"anonym": *req.Anonym})
}

// --- Activity and subscriptions ---

func (h *Handlers) showActivity(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.GetActivity(r.Context(), actorFrom(r.Context()).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handlers) showFeed(w http.ResponseWriter, r *http.Request) {
	feed, err := h.svc.GetSubscriptionFeed(r.Context(), actorFrom(r.Context()).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (h *Handlers) checkSubscription(w http.ResponseWriter, r *http.Request) {
	ok, err := h.svc.CheckSubscription(r.Context(), actorFrom(r.Context()).ID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"subscribed": ok})
}

func (h *Handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.AddSubscription(r.Context(), actorFrom(r.Context()).ID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) unsubscribe(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.RemoveSubscription(r.Context(), actorFrom(r.Context()).ID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Plumbing ---

type actorKey struct{}

func actorFrom(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorKey{}).(Actor)
	return actor
}

// userID identifies the caller from a bearer token or the session. It returns
// "" for anonymous visitors.
func (h *Handlers) userID(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		claims, err := h.tokens.Parse(token)
		if err != nil {
			return ""
		}
		return claims.UserID
	}
	if h.Session != nil {
		return h.Session.GetString(r.Context(), sessionUserKey)
	}
	return ""
}

// authenticate loads the caller's Actor, including the anonymity toggle,
// once per request.
func (h *Handlers) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := h.userID(r)
		if userID == "" {
			h.fail(w, r, errUnauthenticated)
			return
		}
		actor, err := h.svc.ActorFor(r.Context(), userID)
		if errors.Is(err, ErrNotFound) {
			h.fail(w, r, errUnauthenticated)
			return
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handlers) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		requestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		return validationErr("invalid request body: %v", err)
	}
	if err := h.validate.Struct(v); err != nil {
		return validationErr("%v", err)
	}
	return nil
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	var upstream *UpstreamError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errUnauthenticated),
		errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, identity.ErrEmailTaken):
		status = http.StatusConflict
	case errors.As(err, &upstream):
		status = http.StatusBadGateway
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// writePosts renders one page of the posts matching filter. The page
// number comes from the "page" query parameter.
func (h *Handlers) writePosts(w http.ResponseWriter, r *http.Request, filter PostFilter) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	posts, total, err := h.svc.ListPage(r.Context(), filter, page, PageSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	totalPages := (total + PageSize - 1) / PageSize
	page = min(page, totalPages+1)

	viewer := h.userID(r)
	views := make([]PostView, 0, len(posts))
	for _, p := range posts {
		views = append(views, present(p, viewer))
	}
	writeJSON(w, http.StatusOK, PostsViewData{
		Posts: views,
		Pagination: PaginationData{
			CurrentPage: page,
			TotalPages:  totalPages,
			NextPage:    page + 1,
			PrevPage:    page - 1,
			HasNext:     page < totalPages,
			HasPrev:     page > 1,
		},
	})
}

func present(p Post, viewer string) PostView {
	v := PostView{
		ID:        p.ID,
		Text:      p.Text,
		ParentID:  p.ParentID,
		Anonym:    p.Anonym,
		CreatedAt: p.CreatedAt,
		EditedAt:  p.EditedAt,
		Reports:   len(p.Reports),
		Mine:      viewer != "" && viewer == p.Author,
	}
	if !p.Anonym || v.Mine {
		v.Author = p.Author
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("failed to encode response", slog.Any("error", err))
	}
}
