// forum/models.go
package forum

import (
	"time"
)

// NoParent is the parent id of a top-level post.
const NoParent = ""

// ReportThreshold is the number of distinct reports that removes a post.
const ReportThreshold = 3

// Placeholder identity shown for anonymous authors and actors.
const (
	AnonymousName  = "User"
	AnonymousImage = "/assets/user-dark.svg"
)

type Post struct {
	ID        string     `json:"id" db:"id"`
	Text      string     `json:"text" db:"text"`
	Author    string     `json:"author" db:"author"`
	ParentID  string     `json:"parent_id" db:"parent_id"`
	Anonym    bool       `json:"anonym" db:"anonym"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty" db:"edited_at"`
	Reports   []string   `json:"-" db:"reports"`
}

func (p *Post) IsTopLevel() bool {
	return p.ParentID == NoParent
}

// Like is one row of the likes relation, unique per (post, user).
type Like struct {
	PostID    string    `json:"post_id" db:"post_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Anonym    bool      `json:"anonym" db:"anonym"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Actor is the requesting user together with the anonymity state read once
// at the request boundary.
type Actor struct {
	ID        string
	Anonymous bool
}

// AuthorInfo is the resolved display identity of a user.
type AuthorInfo struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

func anonymousAuthor() AuthorInfo {
	return AuthorInfo{Name: AnonymousName, Image: AnonymousImage}
}

// AuthorQuery narrows GetPostsByAuthor.
type AuthorQuery struct {
	TopLevelOnly     bool
	ExcludeAnonymous bool
}

// PostFilter selects posts in a Store. A nil slice means no constraint, an
// empty one matches nothing. Results are newest first. Limit 0 returns every
// match.
type PostFilter struct {
	IDs              []string
	Authors          []string
	ParentIDs        []string
	TopLevelOnly     bool
	ExcludeAnonymous bool
	ExcludeAuthor    string
	Limit            int
	Offset           int
}

type ActivityKind string

const (
	ActivityReply  ActivityKind = "reply"
	ActivityLike   ActivityKind = "like"
	ActivityReport ActivityKind = "report"
)

// ActivityItem is one line of a user's activity feed. CreatedAt is zero for
// reports.
type ActivityItem struct {
	ID        string       `json:"id"`
	Kind      ActivityKind `json:"type"`
	PostID    string       `json:"post_id"`
	ParentID  string       `json:"parent_id,omitempty"`
	Anonym    bool         `json:"anonym"`
	CreatedAt time.Time    `json:"created_at,omitzero"`
	Actor     AuthorInfo   `json:"author"`
}

func (a ActivityItem) Message() string {
	switch a.Kind {
	case ActivityReply:
		return "replied to your post"
	case ActivityLike:
		return "liked your post"
	case ActivityReport:
		return "reported your post"
	default:
		return ""
	}
}

// Link points replies at the thread they answer and everything else at the
// post itself.
func (a ActivityItem) Link() string {
	if a.Kind == ActivityReply {
		return "/posts/" + a.ParentID
	}
	return "/posts/" + a.PostID
}

// FeedPost is a subscription feed entry.
type FeedPost struct {
	Post
	Author AuthorInfo `json:"author_info"`
}

type SubscriptionResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	NewCount int    `json:"new_count"`
}

type ReportResult struct {
	Count   int  `json:"count"`
	Deleted bool `json:"deleted"`
}

// PostEvent is published on the post.* subjects.
type PostEvent struct {
	PostID    string    `json:"post_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	AuthorID  string    `json:"author_id,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Count     int       `json:"count,omitempty"`
	Deleted   []string  `json:"deleted,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
