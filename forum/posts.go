package forum

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/rexlx/anonboard/forum")

type ServiceOptions struct {
	// Events receives post events. Nil disables publishing.
	Events Publisher
	// AnonymitySecret keys the pseudonyms recorded for anonymous reporters.
	AnonymitySecret []byte
	Logger          *slog.Logger
	Now             func() time.Time
}

// Service implements posts, engagement, activity and subscriptions on top of
// a Store and a Directory. It holds no per-request state.
type Service struct {
	store   Store
	users   Directory
	events  Publisher
	anonKey []byte
	log     *slog.Logger
	now     func() time.Time
}

func NewService(store Store, users Directory, opts ServiceOptions) *Service {
	s := &Service{
		store:   store,
		users:   users,
		events:  opts.Events,
		anonKey: opts.AnonymitySecret,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) CreatePost(ctx context.Context, text string, anonym bool, parentID, authorID string) (*Post, error) {
	if strings.TrimSpace(text) == "" {
		return nil, validationErr("text must not be empty")
	}
	if authorID == "" {
		return nil, validationErr("author is required")
	}
	if parentID != NoParent {
		parent, err := s.store.GetPost(ctx, parentID)
		if err != nil {
			return nil, storeErr("get parent post", err)
		}
		if parent == nil {
			return nil, ErrNotFound
		}
	}

	post := &Post{
		ID:       uuid.New().String(),
		Text:     text,
		Author:   authorID,
		ParentID: parentID,
		Anonym:   anonym,
		Reports:  []string{},
	}
	if err := s.store.InsertPost(ctx, post); err != nil {
		return nil, storeErr("insert post", err)
	}

	kind := "post"
	if !post.IsTopLevel() {
		kind = "reply"
	}
	postsCreated.WithLabelValues(kind).Inc()
	s.log.Info("post created",
		slog.String("post_id", post.ID),
		slog.String("parent_id", post.ParentID),
		slog.Bool("anonym", post.Anonym))

	event := PostEvent{PostID: post.ID, ParentID: post.ParentID, Timestamp: post.CreatedAt}
	if !post.Anonym {
		event.AuthorID = post.Author
	}
	s.publish(ctx, SubjectPostCreated, event)
	return post, nil
}

func (s *Service) GetPostByID(ctx context.Context, id string) (*Post, error) {
	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, storeErr("get post", err)
	}
	if post == nil {
		return nil, ErrNotFound
	}
	return post, nil
}

// GetTopLevelPosts lists every thread starter, newest first.
func (s *Service) GetTopLevelPosts(ctx context.Context) ([]Post, error) {
	posts, err := s.store.ListPosts(ctx, PostFilter{TopLevelOnly: true})
	if err != nil {
		return nil, storeErr("list top-level posts", err)
	}
	return posts, nil
}

func (s *Service) GetPostsByAuthor(ctx context.Context, authorID string, q AuthorQuery) ([]Post, error) {
	posts, err := s.store.ListPosts(ctx, PostFilter{
		Authors:          []string{authorID},
		TopLevelOnly:     q.TopLevelOnly,
		ExcludeAnonymous: q.ExcludeAnonymous,
	})
	if err != nil {
		return nil, storeErr("list posts by author", err)
	}
	return posts, nil
}

// GetComments returns the direct replies to a post, newest first.
func (s *Service) GetComments(ctx context.Context, postID string) ([]Post, error) {
	posts, err := s.store.ListPosts(ctx, PostFilter{ParentIDs: []string{postID}})
	if err != nil {
		return nil, storeErr("list comments", err)
	}
	return posts, nil
}

// ListPage returns page number page (from 1) of the posts matching filter and
// the total number of matches. Pages past the end are empty.
func (s *Service) ListPage(ctx context.Context, filter PostFilter, page, size int) ([]Post, int, error) {
	if size < 1 {
		return nil, 0, validationErr("page size must be positive")
	}
	total, err := s.store.CountPosts(ctx, filter)
	if err != nil {
		return nil, 0, storeErr("count posts", err)
	}
	if page < 1 || page-1 > total/size {
		return []Post{}, total, nil
	}

	filter.Limit = size
	filter.Offset = (page - 1) * size
	posts, err := s.store.ListPosts(ctx, filter)
	if err != nil {
		return nil, 0, storeErr("list posts", err)
	}
	if posts == nil {
		posts = []Post{}
	}
	return posts, total, nil
}

func (s *Service) EditPost(ctx context.Context, postID, newText, requesterID string) (*Post, error) {
	if strings.TrimSpace(newText) == "" {
		return nil, validationErr("text must not be empty")
	}
	post, err := s.GetPostByID(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.Author != requesterID {
		return nil, ErrUnauthorized
	}

	updated, err := s.store.UpdatePostText(ctx, postID, newText, s.now().UTC())
	if err != nil {
		return nil, storeErr("update post", err)
	}
	if updated == nil {
		return nil, ErrNotFound
	}
	s.publish(ctx, SubjectPostEdited, PostEvent{PostID: postID, Timestamp: *updated.EditedAt})
	return updated, nil
}

// DeletePost removes a post and its whole reply subtree. Without force only
// the author may delete.
func (s *Service) DeletePost(ctx context.Context, postID, requesterID string, force bool) error {
	ctx, span := tracer.Start(ctx, "forum.DeletePost", trace.WithAttributes(
		attribute.String("post.id", postID),
		attribute.Bool("force", force),
	))
	defer span.End()

	post, err := s.GetPostByID(ctx, postID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !force && post.Author != requesterID {
		span.SetStatus(codes.Error, ErrUnauthorized.Error())
		return ErrUnauthorized
	}

	ids, err := s.collectSubtree(ctx, postID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("subtree.size", len(ids)))

	n, err := s.store.DeletePosts(ctx, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return storeErr("delete posts", err)
	}

	reason := "author"
	if force {
		reason = "forced"
	}
	postsDeleted.WithLabelValues(reason).Add(float64(n))
	s.log.Info("post deleted",
		slog.String("post_id", postID),
		slog.Int("subtree", len(ids)),
		slog.Int64("rows", n),
		slog.Bool("force", force))
	s.publish(ctx, SubjectPostDeleted, PostEvent{PostID: postID, Deleted: ids, Timestamp: s.now().UTC()})
	return nil
}

// collectSubtree walks parent_id level by level from root and returns root
// followed by every descendant. The visited set stops on self-reference.
func (s *Service) collectSubtree(ctx context.Context, root string) ([]string, error) {
	ids := []string{root}
	visited := map[string]bool{root: true}
	frontier := []string{root}

	for len(frontier) > 0 {
		children, err := s.store.ChildIDs(ctx, frontier)
		if err != nil {
			return nil, storeErr("list child posts", err)
		}
		var next []string
		for _, id := range children {
			if visited[id] {
				continue
			}
			visited[id] = true
			ids = append(ids, id)
			next = append(next, id)
		}
		frontier = next
	}
	return ids, nil
}

func (s *Service) publish(ctx context.Context, subject string, event PostEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, subject, event); err != nil {
		s.log.Warn("failed to publish event",
			slog.String("subject", subject),
			slog.String("post_id", event.PostID),
			slog.Any("error", err))
	}
}
