package forum

import (
	"context"
	"time"

	"github.com/rexlx/anonboard/identity"
)

// Store is the relational storage the service runs on. Lookups of a single
// missing row return nil, nil.
type Store interface {
	InsertPost(ctx context.Context, post *Post) error
	GetPost(ctx context.Context, id string) (*Post, error)
	ListPosts(ctx context.Context, filter PostFilter) ([]Post, error)
	// CountPosts counts the matches of filter, ignoring Limit and Offset.
	CountPosts(ctx context.Context, filter PostFilter) (int, error)
	ChildIDs(ctx context.Context, parentIDs []string) ([]string, error)
	UpdatePostText(ctx context.Context, id, text string, editedAt time.Time) (*Post, error)
	DeletePosts(ctx context.Context, ids []string) (int64, error)

	InsertLike(ctx context.Context, like Like) (bool, error)
	DeleteLike(ctx context.Context, postID, userID string) (bool, error)
	HasLike(ctx context.Context, postID, userID string) (bool, error)
	CountLikes(ctx context.Context, postID string) (int, error)
	ListLikes(ctx context.Context, postIDs []string) ([]Like, error)

	// AppendReport adds reporter to the post's reports unless already
	// present and returns the resulting count. appended is false for a
	// repeat reporter. count is 0 when the post does not exist.
	AppendReport(ctx context.Context, postID, reporter string) (count int, appended bool, err error)
}

// Directory is the identity provider.
type Directory interface {
	GetUser(ctx context.Context, id string) (*identity.User, error)
	UpdateMetadata(ctx context.Context, id string, md identity.Metadata) error
}

// Publisher receives post events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

const (
	SubjectPostCreated  = "post.created"
	SubjectPostEdited   = "post.edited"
	SubjectPostDeleted  = "post.deleted"
	SubjectPostLiked    = "post.liked"
	SubjectPostUnliked  = "post.unliked"
	SubjectPostReported = "post.reported"
)
