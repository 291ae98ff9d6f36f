package forum

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// anonReporterPrefix marks report entries recorded for anonymous actors.
const anonReporterPrefix = "anon:"

// LikePost records a like by actor, tagged with the actor's anonymity.
// Liking twice is a no-op.
func (s *Service) LikePost(ctx context.Context, postID string, actor Actor) error {
	if _, err := s.GetPostByID(ctx, postID); err != nil {
		return err
	}
	inserted, err := s.store.InsertLike(ctx, Like{
		PostID: postID,
		UserID: actor.ID,
		Anonym: actor.Anonymous,
	})
	if err != nil {
		return storeErr("insert like", err)
	}
	if !inserted {
		return nil
	}

	likesTotal.WithLabelValues("like").Inc()
	event := PostEvent{PostID: postID, Timestamp: s.now().UTC()}
	if !actor.Anonymous {
		event.ActorID = actor.ID
	}
	s.publish(ctx, SubjectPostLiked, event)
	return nil
}

// UnlikePost removes the actor's own like, if any.
func (s *Service) UnlikePost(ctx context.Context, postID string, actor Actor) error {
	removed, err := s.store.DeleteLike(ctx, postID, actor.ID)
	if err != nil {
		return storeErr("delete like", err)
	}
	if removed {
		likesTotal.WithLabelValues("unlike").Inc()
		s.publish(ctx, SubjectPostUnliked, PostEvent{PostID: postID, Timestamp: s.now().UTC()})
	}
	return nil
}

// CheckLike reports whether userID likes postID. A missing post is not liked.
func (s *Service) CheckLike(ctx context.Context, postID, userID string) (bool, error) {
	liked, err := s.store.HasLike(ctx, postID, userID)
	if err != nil {
		return false, storeErr("check like", err)
	}
	return liked, nil
}

func (s *Service) GetLikesCount(ctx context.Context, postID string) (int, error) {
	n, err := s.store.CountLikes(ctx, postID)
	if err != nil {
		return 0, storeErr("count likes", err)
	}
	return n, nil
}

// ReportPost records a report by actor. Each actor counts once; anonymous
// actors are recorded under a pseudonym. Repeat reports change nothing and
// publish nothing. Reaching ReportThreshold deletes the post and its replies.
func (s *Service) ReportPost(ctx context.Context, postID string, actor Actor) (ReportResult, error) {
	ctx, span := tracer.Start(ctx, "forum.ReportPost", trace.WithAttributes(
		attribute.String("post.id", postID),
		attribute.Bool("anonymous", actor.Anonymous),
	))
	defer span.End()

	reporter := actor.ID
	if actor.Anonymous {
		reporter = s.pseudonym(actor.ID)
	}

	count, appended, err := s.store.AppendReport(ctx, postID, reporter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ReportResult{}, storeErr("append report", err)
	}
	if count == 0 {
		span.SetStatus(codes.Error, ErrNotFound.Error())
		return ReportResult{}, ErrNotFound
	}
	span.SetAttributes(attribute.Int("reports.count", count), attribute.Bool("reports.repeat", !appended))
	if appended {
		reportsTotal.Inc()
		s.publish(ctx, SubjectPostReported, PostEvent{PostID: postID, Count: count, Timestamp: s.now().UTC()})
	}

	result := ReportResult{Count: count}
	if count < ReportThreshold {
		return result, nil
	}

	s.log.Warn("report threshold reached, removing post",
		slog.String("post_id", postID),
		slog.Int("reports", count))
	err = s.DeletePost(ctx, postID, actor.ID, true)
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	autoModerated.Inc()
	result.Deleted = true
	return result, nil
}

// pseudonym derives a stable, non-reversible reporter key for userID.
func (s *Service) pseudonym(userID string) string {
	mac := hmac.New(sha256.New, s.anonKey)
	mac.Write([]byte(userID))
	return anonReporterPrefix + hex.EncodeToString(mac.Sum(nil))[:32]
}

func isAnonymousReporter(key string) bool {
	return strings.HasPrefix(key, anonReporterPrefix)
}
