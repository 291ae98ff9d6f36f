package forum

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rexlx/anonboard/identity"
)

func (s *Service) getUser(ctx context.Context, id string) (*identity.User, error) {
	user, err := s.users.GetUser(ctx, id)
	if errors.Is(err, identity.ErrUserNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, upstreamErr("get user", err)
	}
	return user, nil
}

// ActorFor reads the user's anonymity toggle once so it can be passed to
// every action in the request.
func (s *Service) ActorFor(ctx context.Context, userID string) (Actor, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return Actor{}, err
	}
	return Actor{ID: user.ID, Anonymous: user.Metadata.Anonym}, nil
}

func (s *Service) GetUserByID(ctx context.Context, id string) (*identity.User, error) {
	return s.getUser(ctx, id)
}

// SetAnonymity flips the account-wide anonymity toggle.
func (s *Service) SetAnonymity(ctx context.Context, userID string, anonym bool) error {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return err
	}
	md := user.Metadata
	md.Anonym = anonym
	if err := s.users.UpdateMetadata(ctx, userID, md); err != nil {
		return upstreamErr("update metadata", err)
	}
	return nil
}

func (s *Service) AddSubscription(ctx context.Context, subscriberID, targetID string) (SubscriptionResult, error) {
	if subscriberID == targetID {
		return SubscriptionResult{}, validationErr("cannot subscribe to yourself")
	}
	user, err := s.getUser(ctx, subscriberID)
	if err != nil {
		return SubscriptionResult{}, err
	}
	if user.Metadata.HasSubscription(targetID) {
		return SubscriptionResult{
			Success:  false,
			Message:  "Subscription already exists",
			NewCount: len(user.Metadata.Subscriptions),
		}, nil
	}

	md := user.Metadata
	md.Subscriptions = append(slices.Clone(md.Subscriptions), targetID)
	if err := s.users.UpdateMetadata(ctx, subscriberID, md); err != nil {
		return SubscriptionResult{}, upstreamErr("update metadata", err)
	}
	s.log.Info("subscription added",
		slog.String("subscriber", subscriberID),
		slog.String("target", targetID))
	return SubscriptionResult{Success: true, Message: "Subscription added", NewCount: len(md.Subscriptions)}, nil
}

func (s *Service) RemoveSubscription(ctx context.Context, subscriberID, targetID string) (SubscriptionResult, error) {
	user, err := s.getUser(ctx, subscriberID)
	if err != nil {
		return SubscriptionResult{}, err
	}

	md := user.Metadata
	md.Subscriptions = slices.DeleteFunc(slices.Clone(md.Subscriptions), func(id string) bool {
		return id == targetID
	})
	if err := s.users.UpdateMetadata(ctx, subscriberID, md); err != nil {
		return SubscriptionResult{}, upstreamErr("update metadata", err)
	}
	return SubscriptionResult{
		Success:  true,
		Message:  "Unsubscribed successfully",
		NewCount: len(md.Subscriptions),
	}, nil
}

func (s *Service) CheckSubscription(ctx context.Context, subscriberID, targetID string) (bool, error) {
	user, err := s.getUser(ctx, subscriberID)
	if err != nil {
		return false, err
	}
	return user.Metadata.HasSubscription(targetID), nil
}

// GetSubscriptionFeed returns the non-anonymous top-level posts of everyone
// subscriberID follows, newest first, with author display info.
func (s *Service) GetSubscriptionFeed(ctx context.Context, subscriberID string) ([]FeedPost, error) {
	ctx, span := tracer.Start(ctx, "forum.GetSubscriptionFeed", trace.WithAttributes(
		attribute.String("user.id", subscriberID),
	))
	defer span.End()

	user, err := s.getUser(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	targets := user.Metadata.Subscriptions
	if len(targets) == 0 {
		return []FeedPost{}, nil
	}

	posts, err := s.store.ListPosts(ctx, PostFilter{
		Authors:          targets,
		TopLevelOnly:     true,
		ExcludeAnonymous: true,
	})
	if err != nil {
		return nil, storeErr("list subscription posts", err)
	}

	authors := make([]string, len(posts))
	for i, p := range posts {
		authors[i] = p.Author
	}
	resolved, err := s.resolveAuthors(ctx, authors)
	if err != nil {
		return nil, err
	}

	feed := make([]FeedPost, len(posts))
	for i, p := range posts {
		feed[i] = FeedPost{Post: p, Author: resolved[p.Author]}
	}
	span.SetAttributes(attribute.Int("feed.posts", len(feed)))
	return feed, nil
}
