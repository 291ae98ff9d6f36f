package forum

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_SubscriptionFeed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.users.add("U1", "Ada")
	f.users.add("U2", "Bob")
	f.users.add("U3", "Cy")

	res, err := f.svc.AddSubscription(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.Equal(t, SubscriptionResult{Success: true, Message: "Subscription added", NewCount: 1}, res)

	res, err = f.svc.AddSubscription(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Subscription already exists", res.Message)

	older, _ := f.svc.CreatePost(ctx, "older", false, NoParent, "U2")
	_, _ = f.svc.CreatePost(ctx, "hidden", true, NoParent, "U2")
	_, _ = f.svc.CreatePost(ctx, "a reply", false, older.ID, "U2")
	_, _ = f.svc.CreatePost(ctx, "not followed", false, NoParent, "U3")
	newer, _ := f.svc.CreatePost(ctx, "newer", false, NoParent, "U2")

	feed, err := f.svc.GetSubscriptionFeed(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, newer.ID, feed[0].ID)
	assert.Equal(t, older.ID, feed[1].ID)
	for _, fp := range feed {
		assert.Equal(t, AuthorInfo{ID: "U2", Name: "Bob", Image: "/img/U2.png"}, fp.Author)
	}
	assert.Equal(t, 1, f.users.getCount("U2"))
}

func TestSubscriptionFeed_EmptySkipsStore(t *testing.T) {
	f := newFixture()
	f.users.add("U1", "Ada")

	feed, err := f.svc.GetSubscriptionFeed(context.Background(), "U1")
	require.NoError(t, err)
	assert.NotNil(t, feed)
	assert.Empty(t, feed)
	assert.Zero(t, f.store.callCount("ListPosts"))
}

func TestSubscriptionFeed_UnknownSubscriber(t *testing.T) {
	f := newFixture()
	_, err := f.svc.GetSubscriptionFeed(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveSubscription(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.users.add("U1", "Ada")

	for _, target := range []string{"U2", "U3"} {
		_, err := f.svc.AddSubscription(ctx, "U1", target)
		require.NoError(t, err)
	}

	res, err := f.svc.RemoveSubscription(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.Equal(t, SubscriptionResult{Success: true, Message: "Unsubscribed successfully", NewCount: 1}, res)

	subscribed, err := f.svc.CheckSubscription(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.False(t, subscribed)
	subscribed, err = f.svc.CheckSubscription(ctx, "U1", "U3")
	require.NoError(t, err)
	assert.True(t, subscribed)

	res, err = f.svc.RemoveSubscription(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.NewCount)
}

func TestAddSubscription_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.users.add("U1", "Ada")

	_, err := f.svc.AddSubscription(ctx, "U1", "U1")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.AddSubscription(ctx, "ghost", "U1")
	assert.ErrorIs(t, err, ErrNotFound)

	f.users.fail["update:U1"] = errors.New("write rejected")
	_, err = f.svc.AddSubscription(ctx, "U1", "U2")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)

	subscribed, err := f.svc.CheckSubscription(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.False(t, subscribed)
}

func TestSetAnonymity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.users.add("U1", "Ada")
	_, err := f.svc.AddSubscription(ctx, "U1", "U2")
	require.NoError(t, err)

	actor, err := f.svc.ActorFor(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, Actor{ID: "U1"}, actor)

	require.NoError(t, f.svc.SetAnonymity(ctx, "U1", true))
	actor, err = f.svc.ActorFor(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, actor.Anonymous)

	subscribed, err := f.svc.CheckSubscription(ctx, "U1", "U2")
	require.NoError(t, err)
	assert.True(t, subscribed, "toggling anonymity keeps subscriptions")

	_, err = f.svc.ActorFor(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
