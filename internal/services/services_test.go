package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dogchuchu/apiserver/internal/auth"
	"github.com/dogchuchu/apiserver/internal/store"
	"github.com/dogchuchu/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedEmail struct {
	to  string
	url string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []capturedEmail
}

func (n *fakeNotifier) SendVerification(ctx context.Context, to, verifyURL string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, capturedEmail{to: to, url: verifyURL})
}

func (n *fakeNotifier) lastToken(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent)
	u, err := url.Parse(n.sent[len(n.sent)-1].url)
	require.NoError(t, err)
	return u.Query().Get("token")
}

type fakeUploader struct {
	mu        sync.Mutex
	uploads   int
	removed   []string
	err       error
	removeErr error
}

func (u *fakeUploader) Upload(ctx context.Context, prefix string, data []byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.uploads++
	return fmt.Sprintf("https://cdn.test/%s/image-%d.png", prefix, u.uploads), nil
}

func (u *fakeUploader) Remove(ctx context.Context, url string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.removeErr != nil {
		return u.removeErr
	}
	u.removed = append(u.removed, url)
	return nil
}

// failingUsers fails picture updates after the lookup succeeds.
type failingUsers struct {
	*store.MemoryUserRepository
	err error
}

func (r failingUsers) UpdateProfilePicture(ctx context.Context, id, url string) error {
	return r.err
}

type failingPosts struct {
	*store.MemoryPostRepository
	err error
}

func (r failingPosts) Create(ctx context.Context, post types.Post) (types.Post, error) {
	return types.Post{}, r.err
}

type fixture struct {
	users    *store.MemoryUserRepository
	posts    *store.MemoryPostRepository
	notifier *fakeNotifier
	uploader *fakeUploader
	identity *IdentityService
	feed     *FeedService
}

func newFixture() *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		users:    store.NewMemoryUserRepository(),
		posts:    store.NewMemoryPostRepository(),
		notifier: &fakeNotifier{},
		uploader: &fakeUploader{},
	}
	tokens := auth.NewTokenService("test-secret", time.Hour)
	f.identity = NewIdentityService(f.users, tokens, f.notifier, f.uploader, "http://app.test/", logger)
	f.feed = NewFeedService(f.posts, f.uploader, logger)
	return f
}

// verifiedUser signs up, verifies and logs in, returning the user id and
// session token.
func (f *fixture) verifiedUser(t *testing.T, email string) (string, string) {
	t.Helper()
	ctx := context.Background()
	res, err := f.identity.Signup(ctx, email, "pw")
	require.NoError(t, err)
	require.NoError(t, f.identity.Verify(ctx, f.notifier.lastToken(t)))
	token, err := f.identity.Login(ctx, email, "pw")
	require.NoError(t, err)
	return res.UserID, token
}

func TestSignup_CreatesUnverifiedUserAndSendsLink(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.identity.Signup(ctx, "  A@X.com ", "pw")
	require.NoError(t, err)
	assert.Equal(t, SignupMessage, res.Message)

	user, err := f.users.GetByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.False(t, user.IsVerified)
	assert.NotEqual(t, "pw", user.PasswordHash)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "a@x.com", f.notifier.sent[0].to)
	assert.Contains(t, f.notifier.sent[0].url, "http://app.test/api/verify?token=")
}

func TestSignup_DuplicateEmail(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.identity.Signup(ctx, "a@x.com", "pw")
	require.NoError(t, err)

	_, err = f.identity.Signup(ctx, "A@x.com", "other")
	assert.ErrorIs(t, err, ErrEmailInUse)
	assert.Len(t, f.notifier.sent, 1)
}

func TestSignup_ValidatesInput(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.identity.Signup(ctx, "not-an-email", "pw")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = f.identity.Signup(ctx, "Name <a@x.com>", "pw")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = f.identity.Signup(ctx, "a@x.com", "")
	assert.ErrorIs(t, err, ErrPasswordRequired)
}

func TestSignup_PasswordLengthLimit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.identity.Signup(ctx, "long@x.com", strings.Repeat("a", 73))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
	_, err = f.users.GetByEmail(ctx, "long@x.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.notifier.sent)

	_, err = f.identity.Signup(ctx, "edge@x.com", strings.Repeat("a", 72))
	require.NoError(t, err)
	require.NoError(t, f.identity.Verify(ctx, f.notifier.lastToken(t)))
	_, err = f.identity.Login(ctx, "edge@x.com", strings.Repeat("a", 72))
	assert.NoError(t, err)
}

func TestSignup_ConcurrentSameEmail(t *testing.T) {
	f := newFixture()

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.identity.Signup(context.Background(), "race@x.com", "pw")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrEmailInUse)
	}
	assert.Equal(t, 1, ok)
}

func TestLogin_RequiresVerificationBeforePasswordCheck(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.identity.Signup(ctx, "a@x.com", "pw")
	require.NoError(t, err)

	_, err = f.identity.Login(ctx, "a@x.com", "pw")
	assert.ErrorIs(t, err, ErrNotVerified)

	_, err = f.identity.Login(ctx, "a@x.com", "wrong")
	assert.ErrorIs(t, err, ErrNotVerified)
}

func TestLogin_Failures(t *testing.T) {
	f := newFixture()
	f.verifiedUser(t, "a@x.com")
	ctx := context.Background()

	_, err := f.identity.Login(ctx, "missing@x.com", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.identity.Login(ctx, "a@x.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerify_IsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.identity.Signup(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	token := f.notifier.lastToken(t)

	require.NoError(t, f.identity.Verify(ctx, token))
	require.NoError(t, f.identity.Verify(ctx, token))

	user, err := f.users.GetByID(ctx, res.UserID)
	require.NoError(t, err)
	assert.True(t, user.IsVerified)
}

func TestVerify_RejectsBadTokens(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	assert.ErrorIs(t, f.identity.Verify(ctx, "garbage"), ErrInvalidOrExpiredToken)

	expired, err := auth.NewTokenService("test-secret", time.Hour).
		WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) }).
		Issue("someone", auth.PurposeVerify)
	require.NoError(t, err)
	assert.ErrorIs(t, f.identity.Verify(ctx, expired), ErrInvalidOrExpiredToken)

	unknown, err := auth.NewTokenService("test-secret", time.Hour).Issue("ghost", auth.PurposeVerify)
	require.NoError(t, err)
	assert.ErrorIs(t, f.identity.Verify(ctx, unknown), ErrInvalidOrExpiredToken)
}

func TestTokenPurposesAreNotInterchangeable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.identity.Signup(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	verifyToken := f.notifier.lastToken(t)

	_, err = f.identity.Authenticate(ctx, verifyToken)
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)

	require.NoError(t, f.identity.Verify(ctx, verifyToken))
	session, err := f.identity.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	assert.ErrorIs(t, f.identity.Verify(ctx, session), ErrInvalidOrExpiredToken)
}

func TestProfile(t *testing.T) {
	f := newFixture()
	userID, session := f.verifiedUser(t, "a@x.com")
	ctx := context.Background()

	authID, err := f.identity.Authenticate(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, userID, authID)

	_, err = f.identity.UpdateUsername(ctx, userID, "   ")
	assert.ErrorIs(t, err, ErrEmptyUsername)

	name, err := f.identity.UpdateUsername(ctx, userID, "  rex  ")
	require.NoError(t, err)
	assert.Equal(t, "rex", name)

	pic, err := f.identity.UpdateProfilePicture(ctx, userID, []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/profile-pictures/image-1.png", pic)

	profile, err := f.identity.GetProfile(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "rex", profile.Username)
	assert.Equal(t, pic, profile.ProfilePicture)
	assert.Equal(t, "a@x.com", profile.Email)

	cleared, err := f.identity.ClearProfilePicture(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, cleared)

	profile, err = f.identity.GetProfile(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, profile.ProfilePicture)
}

func TestUpdateProfilePicture_RemovesReplacedImage(t *testing.T) {
	f := newFixture()
	userID, _ := f.verifiedUser(t, "a@x.com")
	ctx := context.Background()

	first, err := f.identity.UpdateProfilePicture(ctx, userID, []byte("one"))
	require.NoError(t, err)
	assert.Empty(t, f.uploader.removed)

	second, err := f.identity.UpdateProfilePicture(ctx, userID, []byte("two"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, []string{first}, f.uploader.removed)

	_, err = f.identity.ClearProfilePicture(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, f.uploader.removed)

	_, err = f.identity.ClearProfilePicture(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, f.uploader.removed, 2, "clearing an empty picture removes nothing")
}

func TestUpdateProfilePicture_RemoveFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture()
	userID, _ := f.verifiedUser(t, "a@x.com")
	ctx := context.Background()

	_, err := f.identity.UpdateProfilePicture(ctx, userID, []byte("one"))
	require.NoError(t, err)

	f.uploader.removeErr = errors.New("bucket offline")
	second, err := f.identity.UpdateProfilePicture(ctx, userID, []byte("two"))
	require.NoError(t, err)

	profile, err := f.identity.GetProfile(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, second, profile.ProfilePicture)

	_, err = f.identity.ClearProfilePicture(ctx, userID)
	assert.NoError(t, err)
}

func TestUpdateProfilePicture_StoreFailureRemovesUpload(t *testing.T) {
	f := newFixture()
	userID, _ := f.verifiedUser(t, "a@x.com")
	users := failingUsers{MemoryUserRepository: f.users, err: errors.New("conn reset")}
	identity := NewIdentityService(users, auth.NewTokenService("test-secret", time.Hour), f.notifier, f.uploader, "http://app.test", nil)

	_, err := identity.UpdateProfilePicture(context.Background(), userID, []byte("img"))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	require.Equal(t, 1, f.uploader.uploads)
	assert.Equal(t, []string{"https://cdn.test/profile-pictures/image-1.png"}, f.uploader.removed)
}

func TestUpdateProfilePicture_UnknownUser(t *testing.T) {
	f := newFixture()

	_, err := f.identity.UpdateProfilePicture(context.Background(), "ghost", []byte("img"))
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	assert.Zero(t, f.uploader.uploads)

	_, err = f.identity.ClearProfilePicture(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
}

func TestUpdateProfilePicture_UploadFailure(t *testing.T) {
	f := newFixture()
	userID, _ := f.verifiedUser(t, "a@x.com")
	f.uploader.err = errors.New("bucket gone")

	_, err := f.identity.UpdateProfilePicture(context.Background(), userID, []byte("img"))
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.ErrorContains(t, err, "bucket gone")

	profile, err := f.identity.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	assert.Empty(t, profile.ProfilePicture)
}

func TestCreatePost(t *testing.T) {
	f := newFixture()
	userID, _ := f.verifiedUser(t, "a@x.com")

	post, err := f.feed.CreatePost(context.Background(), userID, []byte("img"), " good dog ", map[string]any{"breed": "corgi"})
	require.NoError(t, err)
	assert.NotEmpty(t, post.ID)
	assert.Equal(t, userID, post.OwnerID)
	assert.Equal(t, "https://cdn.test/posts/image-1.png", post.ImageURL)
	assert.Equal(t, "good dog", post.Caption)
	assert.Equal(t, 0, post.LikeCount)
	assert.Equal(t, "corgi", post.Predictions["breed"])
}

func TestCreatePost_UploadFailurePersistsNothing(t *testing.T) {
	f := newFixture()
	f.uploader.err = errors.New("timeout")

	_, err := f.feed.CreatePost(context.Background(), "u1", []byte("img"), "", nil)
	assert.ErrorIs(t, err, ErrUploadFailed)

	feed, err := f.feed.ListFeed(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, feed)
}

func TestCreatePost_StoreFailureRemovesUpload(t *testing.T) {
	f := newFixture()
	posts := failingPosts{MemoryPostRepository: f.posts, err: errors.New("conn reset")}
	feed := NewFeedService(posts, f.uploader, nil)

	_, err := feed.CreatePost(context.Background(), "u1", []byte("img"), "", nil)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, []string{"https://cdn.test/posts/image-1.png"}, f.uploader.removed)
}

func TestCreatePost_RequiresImage(t *testing.T) {
	f := newFixture()
	_, err := f.feed.CreatePost(context.Background(), "u1", nil, "", nil)
	assert.ErrorIs(t, err, ErrImageRequired)
	assert.Zero(t, f.uploader.uploads)
}

func TestListFeed_NewestFirst(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		post, err := f.feed.WithClock(func() time.Time { return at }).CreatePost(ctx, "u1", []byte("img"), "", nil)
		require.NoError(t, err)
		ids = append(ids, post.ID)
	}

	feed, err := f.feed.ListFeed(ctx, "")
	require.NoError(t, err)
	require.Len(t, feed, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{feed[0].ID, feed[1].ID, feed[2].ID})
}

func TestWithClock_LeavesOriginalUntouched(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	fixed := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

	pinned := f.feed.WithClock(func() time.Time { return fixed })
	old, err := pinned.CreatePost(ctx, "u1", []byte("img"), "", nil)
	require.NoError(t, err)
	assert.Equal(t, fixed, old.CreatedAt)

	fresh, err := f.feed.CreatePost(ctx, "u1", []byte("img"), "", nil)
	require.NoError(t, err)
	assert.True(t, fresh.CreatedAt.After(fixed))
}

func TestGetPost(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	post, err := f.feed.CreatePost(ctx, "owner", []byte("img"), "hi", map[string]any{"breed": "corgi"})
	require.NoError(t, err)
	_, err = f.feed.ToggleLike(ctx, post.ID, "u1")
	require.NoError(t, err)

	view, err := f.feed.GetPost(ctx, post.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, post.ID, view.ID)
	assert.Equal(t, 1, view.LikeCount)
	assert.True(t, view.HasLiked)
	assert.Equal(t, "corgi", view.Predictions["breed"])

	anon, err := f.feed.GetPost(ctx, post.ID, "")
	require.NoError(t, err)
	assert.False(t, anon.HasLiked)

	_, err = f.feed.GetPost(ctx, "nope", "")
	assert.ErrorIs(t, err, ErrPostNotFound)
}

func TestListOwnPosts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	mine, err := f.feed.CreatePost(ctx, "u1", []byte("img"), "mine", nil)
	require.NoError(t, err)
	_, err = f.feed.CreatePost(ctx, "u2", []byte("img"), "theirs", nil)
	require.NoError(t, err)

	posts, err := f.feed.ListOwnPosts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, mine.ID, posts[0].ID)
}

func TestToggleLike_IdempotentAndVisibleInFeed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	post, err := f.feed.CreatePost(ctx, "owner", []byte("img"), "", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		state, err := f.feed.ToggleLike(ctx, post.ID, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, state.LikeCount)
		assert.True(t, state.HasLiked)
	}

	feed, err := f.feed.ListFeed(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.True(t, feed[0].HasLiked)
	assert.Equal(t, 1, feed[0].LikeCount)

	anon, err := f.feed.ListFeed(ctx, "")
	require.NoError(t, err)
	assert.False(t, anon[0].HasLiked)

	other, err := f.feed.ListFeed(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, other[0].HasLiked)
}

func TestToggleLike_MissingPost(t *testing.T) {
	f := newFixture()
	_, err := f.feed.ToggleLike(context.Background(), "nope", "u1")
	assert.ErrorIs(t, err, ErrPostNotFound)

	_, err = f.feed.Unlike(context.Background(), "nope", "u1")
	assert.ErrorIs(t, err, ErrPostNotFound)
}

func TestToggleLike_ConcurrentDistinctUsers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	post, err := f.feed.CreatePost(ctx, "owner", []byte("img"), "", nil)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.feed.ToggleLike(ctx, post.ID, fmt.Sprintf("user-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, err := f.posts.Get(ctx, post.ID, "")
	require.NoError(t, err)
	assert.Equal(t, n, stored.LikeCount)
	assert.Len(t, f.posts.LikedBy(post.ID), n)
}

func TestUnlike(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	post, err := f.feed.CreatePost(ctx, "owner", []byte("img"), "", nil)
	require.NoError(t, err)

	state, err := f.feed.Unlike(ctx, post.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, state.LikeCount)

	_, err = f.feed.ToggleLike(ctx, post.ID, "u1")
	require.NoError(t, err)
	_, err = f.feed.ToggleLike(ctx, post.ID, "u2")
	require.NoError(t, err)

	state, err = f.feed.Unlike(ctx, post.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.LikeCount)
	assert.False(t, state.HasLiked)

	state, err = f.feed.Unlike(ctx, post.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.LikeCount)
	assert.Equal(t, []string{"u2"}, f.posts.LikedBy(post.ID))
}

func TestExampleFlow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.identity.Signup(ctx, "a@x.com", "pw")
	require.NoError(t, err)

	_, err = f.identity.Login(ctx, "a@x.com", "pw")
	require.ErrorIs(t, err, ErrNotVerified)

	require.NoError(t, f.identity.Verify(ctx, f.notifier.lastToken(t)))

	session, err := f.identity.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	assert.NotEmpty(t, session)

	post, err := f.feed.CreatePost(ctx, res.UserID, []byte("img"), "", nil)
	require.NoError(t, err)

	first, err := f.feed.ToggleLike(ctx, post.ID, res.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.LikeCount)
	assert.True(t, first.HasLiked)

	second, err := f.feed.ToggleLike(ctx, post.ID, res.UserID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	err := storeError("op", errors.New("conn refused"))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorContains(t, err, "conn refused")

	assert.ErrorIs(t, postError("op", store.ErrNotFound), ErrPostNotFound)
}
