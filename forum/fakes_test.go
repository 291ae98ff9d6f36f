package forum

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rexlx/anonboard/identity"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// memStore mirrors Database in memory. Every insert advances its clock by a
// second so ordering is deterministic.
type memStore struct {
	mu    sync.Mutex
	posts map[string]*Post
	likes map[[2]string]Like
	tick  int
	calls map[string]int
	fail  map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		posts: make(map[string]*Post),
		likes: make(map[[2]string]Like),
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (m *memStore) enter(op string) error {
	m.calls[op]++
	return m.fail[op]
}

func (m *memStore) next() time.Time {
	m.tick++
	return epoch.Add(time.Duration(m.tick) * time.Second)
}

func clonePost(p *Post) Post {
	cp := *p
	cp.Reports = slices.Clone(p.Reports)
	return cp
}

func (m *memStore) InsertPost(_ context.Context, post *Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertPost"); err != nil {
		return err
	}
	post.CreatedAt = m.next()
	cp := clonePost(post)
	if cp.Reports == nil {
		cp.Reports = []string{}
	}
	m.posts[post.ID] = &cp
	return nil
}

func (m *memStore) GetPost(_ context.Context, id string) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetPost"); err != nil {
		return nil, err
	}
	p, ok := m.posts[id]
	if !ok {
		return nil, nil
	}
	cp := clonePost(p)
	return &cp, nil
}

func matchesFilter(f PostFilter, p *Post) bool {
	switch {
	case f.IDs != nil && !slices.Contains(f.IDs, p.ID):
	case f.Authors != nil && !slices.Contains(f.Authors, p.Author):
	case f.ParentIDs != nil && (p.ParentID == NoParent || !slices.Contains(f.ParentIDs, p.ParentID)):
	case f.TopLevelOnly && p.ParentID != NoParent:
	case f.ExcludeAnonymous && p.Anonym:
	case f.ExcludeAuthor != "" && p.Author == f.ExcludeAuthor:
	default:
		return true
	}
	return false
}

func (m *memStore) ListPosts(_ context.Context, f PostFilter) ([]Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListPosts"); err != nil {
		return nil, err
	}
	var out []Post
	for _, p := range m.posts {
		if matchesFilter(f, p) {
			out = append(out, clonePost(p))
		}
	}
	slices.SortFunc(out, func(a, b Post) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if f.Limit > 0 {
		start := min(f.Offset, len(out))
		out = out[start:min(start+f.Limit, len(out))]
	}
	return out, nil
}

func (m *memStore) CountPosts(_ context.Context, f PostFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CountPosts"); err != nil {
		return 0, err
	}
	n := 0
	for _, p := range m.posts {
		if matchesFilter(f, p) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ChildIDs(_ context.Context, parentIDs []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ChildIDs"); err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range m.posts {
		if p.ParentID != NoParent && slices.Contains(parentIDs, p.ParentID) {
			ids = append(ids, p.ID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *memStore) UpdatePostText(_ context.Context, id, text string, editedAt time.Time) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdatePostText"); err != nil {
		return nil, err
	}
	p, ok := m.posts[id]
	if !ok {
		return nil, nil
	}
	p.Text = text
	p.EditedAt = &editedAt
	cp := clonePost(p)
	return &cp, nil
}

func (m *memStore) DeletePosts(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeletePosts"); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		if _, ok := m.posts[id]; ok {
			delete(m.posts, id)
			n++
		}
		for k := range m.likes {
			if k[0] == id {
				delete(m.likes, k)
			}
		}
	}
	return n, nil
}

func (m *memStore) InsertLike(_ context.Context, like Like) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertLike"); err != nil {
		return false, err
	}
	key := [2]string{like.PostID, like.UserID}
	if _, ok := m.likes[key]; ok {
		return false, nil
	}
	like.CreatedAt = m.next()
	m.likes[key] = like
	return true, nil
}

func (m *memStore) DeleteLike(_ context.Context, postID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteLike"); err != nil {
		return false, err
	}
	key := [2]string{postID, userID}
	_, ok := m.likes[key]
	delete(m.likes, key)
	return ok, nil
}

func (m *memStore) HasLike(_ context.Context, postID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("HasLike"); err != nil {
		return false, err
	}
	_, ok := m.likes[[2]string{postID, userID}]
	return ok, nil
}

func (m *memStore) CountLikes(_ context.Context, postID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CountLikes"); err != nil {
		return 0, err
	}
	n := 0
	for k := range m.likes {
		if k[0] == postID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListLikes(_ context.Context, postIDs []string) ([]Like, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListLikes"); err != nil {
		return nil, err
	}
	var out []Like
	for k, l := range m.likes {
		if slices.Contains(postIDs, k[0]) {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b Like) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (m *memStore) AppendReport(_ context.Context, postID, reporter string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AppendReport"); err != nil {
		return 0, false, err
	}
	p, ok := m.posts[postID]
	if !ok {
		return 0, false, nil
	}
	if slices.Contains(p.Reports, reporter) {
		return len(p.Reports), false, nil
	}
	p.Reports = append(p.Reports, reporter)
	return len(p.Reports), true, nil
}

// put inserts a post as-is, bypassing the service.
func (m *memStore) put(p Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.next()
	}
	if p.Reports == nil {
		p.Reports = []string{}
	}
	m.posts[p.ID] = &p
}

func (m *memStore) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.posts[id]
	return ok
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

func (m *memStore) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// memDirectory is an in-memory identity provider and account store.
type memDirectory struct {
	mu        sync.Mutex
	users     map[string]*identity.User
	passwords map[string]string
	gets      map[string]int
	fail      map[string]error
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		users:     make(map[string]*identity.User),
		passwords: make(map[string]string),
		gets:      make(map[string]int),
		fail:      make(map[string]error),
	}
}

func (d *memDirectory) add(id, name string) *identity.User {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := &identity.User{
		ID:        id,
		Email:     id + "@example.com",
		Handle:    id,
		FirstName: name,
		ImageURL:  "/img/" + id + ".png",
		Metadata:  identity.Metadata{Subscriptions: []string{}},
	}
	d.users[id] = u
	return u
}

func (d *memDirectory) GetUser(_ context.Context, id string) (*identity.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gets[id]++
	if err := d.fail[id]; err != nil {
		return nil, err
	}
	u, ok := d.users[id]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	cp := *u
	cp.Metadata.Subscriptions = slices.Clone(u.Metadata.Subscriptions)
	return &cp, nil
}

func (d *memDirectory) UpdateMetadata(_ context.Context, id string, md identity.Metadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail["update:"+id]; err != nil {
		return err
	}
	u, ok := d.users[id]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.Metadata = identity.Metadata{Subscriptions: slices.Clone(md.Subscriptions), Anonym: md.Anonym}
	return nil
}

func (d *memDirectory) Register(_ context.Context, email, handle, firstName, password string) (*identity.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Email == email {
			return nil, identity.ErrEmailTaken
		}
	}
	u := identity.NewUser(email, handle, firstName)
	d.users[u.ID] = u
	d.passwords[u.ID] = password
	cp := *u
	return &cp, nil
}

func (d *memDirectory) Authenticate(_ context.Context, email, password string) (*identity.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Email == email && d.passwords[u.ID] == password {
			cp := *u
			return &cp, nil
		}
	}
	return nil, identity.ErrInvalidCredentials
}

func (d *memDirectory) getCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gets[id]
}

type published struct {
	subject string
	event   PostEvent
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := v.(PostEvent); ok {
		p.events = append(p.events, published{subject: subject, event: ev})
	}
	return p.err
}

func (p *recordingPublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.subject)
	}
	return out
}

type fixture struct {
	store  *memStore
	users  *memDirectory
	events *recordingPublisher
	svc    *Service
}

func newFixture() *fixture {
	f := &fixture{
		store:  newMemStore(),
		users:  newMemDirectory(),
		events: &recordingPublisher{},
	}
	f.svc = NewService(f.store, f.users, ServiceOptions{
		Events:          f.events,
		AnonymitySecret: []byte("test-pepper"),
		Now:             func() time.Time { return epoch.Add(time.Hour) },
	})
	return f
}
