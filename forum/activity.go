package forum

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rexlx/anonboard/identity"
)

// lookupLimit bounds concurrent directory calls per request.
const lookupLimit = 8

// GetActivity returns replies, likes and reports on userID's posts made by
// other users. Reports come first since they carry no timestamp; replies and
// likes follow newest first, ties broken by item id. Any failing query aborts
// the whole feed.
func (s *Service) GetActivity(ctx context.Context, userID string) ([]ActivityItem, error) {
	ctx, span := tracer.Start(ctx, "forum.GetActivity", trace.WithAttributes(
		attribute.String("user.id", userID),
	))
	defer span.End()

	items, err := s.activity(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("activity.items", len(items)))
	return items, nil
}

func (s *Service) activity(ctx context.Context, userID string) ([]ActivityItem, error) {
	own, err := s.store.ListPosts(ctx, PostFilter{Authors: []string{userID}})
	if err != nil {
		return nil, storeErr("list own posts", err)
	}
	if len(own) == 0 {
		return []ActivityItem{}, nil
	}
	ids := make([]string, len(own))
	for i, p := range own {
		ids[i] = p.ID
	}

	replies, err := s.store.ListPosts(ctx, PostFilter{ParentIDs: ids, ExcludeAuthor: userID})
	if err != nil {
		return nil, storeErr("list replies", err)
	}
	likes, err := s.store.ListLikes(ctx, ids)
	if err != nil {
		return nil, storeErr("list likes", err)
	}

	self := s.pseudonym(userID)
	var reports, timed []ActivityItem

	for _, r := range replies {
		item := ActivityItem{
			ID:        r.ID,
			Kind:      ActivityReply,
			PostID:    r.ID,
			ParentID:  r.ParentID,
			Anonym:    r.Anonym,
			CreatedAt: r.CreatedAt,
		}
		if !r.Anonym {
			item.Actor.ID = r.Author
		}
		timed = append(timed, item)
	}

	for _, l := range likes {
		if l.UserID == userID {
			continue
		}
		key := l.UserID
		if l.Anonym {
			key = s.pseudonym(l.UserID)
		}
		item := ActivityItem{
			ID:        string(ActivityLike) + ":" + l.PostID + ":" + key,
			Kind:      ActivityLike,
			PostID:    l.PostID,
			Anonym:    l.Anonym,
			CreatedAt: l.CreatedAt,
		}
		if !l.Anonym {
			item.Actor.ID = l.UserID
		}
		timed = append(timed, item)
	}

	for _, p := range own {
		for _, key := range p.Reports {
			if key == userID || key == self {
				continue
			}
			anon := isAnonymousReporter(key)
			item := ActivityItem{
				ID:     string(ActivityReport) + ":" + p.ID + ":" + key,
				Kind:   ActivityReport,
				PostID: p.ID,
				Anonym: anon,
			}
			if !anon {
				item.Actor.ID = key
			}
			reports = append(reports, item)
		}
	}

	var actors []string
	for _, it := range slices.Concat(reports, timed) {
		if !it.Anonym {
			actors = append(actors, it.Actor.ID)
		}
	}
	resolved, err := s.resolveAuthors(ctx, actors)
	if err != nil {
		return nil, err
	}

	fill := func(items []ActivityItem) {
		for i := range items {
			if items[i].Anonym {
				items[i].Actor = anonymousAuthor()
				continue
			}
			items[i].Actor = resolved[items[i].Actor.ID]
		}
	}
	fill(reports)
	fill(timed)

	slices.SortStableFunc(timed, func(a, b ActivityItem) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	out := make([]ActivityItem, 0, len(reports)+len(timed))
	out = append(out, reports...)
	return append(out, timed...), nil
}

// resolveAuthors looks up display identities for ids concurrently. Users
// missing from the directory render as the anonymous placeholder; any other
// failure aborts.
func (s *Service) resolveAuthors(ctx context.Context, ids []string) (map[string]AuthorInfo, error) {
	out := make(map[string]AuthorInfo, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupLimit)
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		g.Go(func() error {
			info := AuthorInfo{ID: id, Name: AnonymousName, Image: AnonymousImage}
			user, err := s.users.GetUser(gctx, id)
			switch {
			case errors.Is(err, identity.ErrUserNotFound):
			case err != nil:
				return upstreamErr("get user "+id, err)
			default:
				info.Name = user.DisplayName()
				info.Image = user.ImageURL
			}
			mu.Lock()
			out[id] = info
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
