package botspot

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	"github.com/maypok86/otter"
	"github.com/panjf2000/ants/v2"
	tele "gopkg.in/telebot.v4"
)

// preloadWorkers is the pool size for warming the user cache at startup.
const preloadWorkers = 8

// UserType classifies a user by its access level.
type UserType string

const (
	UserTypeAdmin   UserType = "admin"
	UserTypeFriend  UserType = "friend"
	UserTypeRegular UserType = "regular"
)

// UserRecord is a stored bot user.
type UserRecord struct {
	UserID     int64     `bson:"user_id" json:"user_id"`
	Username   string    `bson:"username,omitempty" json:"username,omitempty"`
	FirstName  string    `bson:"first_name,omitempty" json:"first_name,omitempty"`
	LastName   string    `bson:"last_name,omitempty" json:"last_name,omitempty"`
	Timezone   string    `bson:"timezone,omitempty" json:"timezone,omitempty"`
	Type       UserType  `bson:"user_type" json:"user_type"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
	LastActive time.Time `bson:"last_active" json:"last_active"`
}

// UserRecordDiff contains changes that should be applied to a stored user.
type UserRecordDiff struct {
	Username   *string    `bson:"username"`
	FirstName  *string    `bson:"first_name"`
	LastName   *string    `bson:"last_name"`
	Timezone   *string    `bson:"timezone"`
	Type       *UserType  `bson:"user_type"`
	LastActive *time.Time `bson:"last_active"`
}

// UserStorage persists user records.
type UserStorage interface {
	Insert(ctx context.Context, user UserRecord) error
	Find(ctx context.Context, userID int64) (UserRecord, bool, error)
	FindAll(ctx context.Context) ([]UserRecord, error)

	// UpdateAsync applies a diff without blocking the caller. Updates for one
	// user must be applied in call order.
	UpdateAsync(userID int64, diff *UserRecordDiff)
}

// UserManager tracks the bot's users: upserts them on every update, caches
// hot records and pushes activity updates to storage asynchronously.
type UserManager struct {
	db     UserStorage
	log    Logger
	access *AccessControl

	cache otter.Cache[int64, UserRecord]
}

func newUserManager(ctx context.Context, db UserStorage, access *AccessControl, log Logger, cfg UserDataSettings) (*UserManager, error) {
	cache, err := otter.MustBuilder[int64, UserRecord](cfg.CacheCapacity).WithTTL(cfg.CacheTTL).Build()
	if err != nil {
		return nil, errm.Wrap(err, "new user cache")
	}

	m := &UserManager{
		db:     db,
		log:    log,
		access: access,
		cache:  cache,
	}
	if err := m.preload(ctx); err != nil {
		return nil, errm.Wrap(err, "preload users")
	}
	return m, nil
}

// preload warms the cache with all stored users, re-classifying them against
// the current access lists.
func (m *UserManager) preload(ctx context.Context) error {
	users, err := m.db.FindAll(ctx)
	if err != nil {
		return errm.Wrap(err, "find all users")
	}
	if len(users) == 0 {
		return nil
	}

	pool, err := ants.NewPool(preloadWorkers, ants.WithPreAlloc(true))
	if err != nil {
		return errm.Wrap(err, "new preload pool")
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			u.Type = m.classify(u)
			m.cache.Set(u.UserID, u)
		}); err != nil {
			wg.Done()
			m.log.Warn("preload user", "user_id", u.UserID, "error", err)
		}
	}
	wg.Wait()

	m.log.Info("users preloaded", "count", len(users))
	return nil
}

// AddUser stores a new user. A duplicate is rejected with ErrDuplicate.
func (m *UserManager) AddUser(ctx context.Context, user UserRecord) error {
	if user.UserID == 0 {
		return ErrInvalidArgument.New("user id cannot be zero")
	}

	now := time.Now().UTC()
	user.CreatedAt = lang.CheckTime(user.CreatedAt, now)
	user.LastActive = lang.CheckTime(user.LastActive, now)
	user.Username = strings.TrimPrefix(user.Username, "@")
	user.Type = lang.Check(user.Type, m.classify(user))

	if err := m.db.Insert(ctx, user); err != nil {
		return errm.Wrap(err, "insert user", "user_id", user.UserID)
	}

	m.cache.Set(user.UserID, user)
	m.log.Info("user added", "user_id", user.UserID, "username", user.Username, "type", user.Type)
	return nil
}

// GetUser returns a user by ID.
func (m *UserManager) GetUser(ctx context.Context, userID int64) (UserRecord, error) {
	if user, ok := m.cache.Get(userID); ok {
		return user, nil
	}

	user, found, err := m.db.Find(ctx, userID)
	if err != nil {
		return UserRecord{}, errm.Wrap(err, "find user", "user_id", userID)
	}
	if !found {
		return UserRecord{}, ErrNotFound
	}

	m.cache.Set(userID, user)
	return user, nil
}

// HasUser reports whether the user is known.
func (m *UserManager) HasUser(ctx context.Context, userID int64) bool {
	_, err := m.GetUser(ctx, userID)
	return err == nil
}

// FindUser looks a user up by a reference: ID, @username or phone.
func (m *UserManager) FindUser(ctx context.Context, ref string) (UserRecord, error) {
	target := ParseUserRef(ref)

	users, err := m.db.FindAll(ctx)
	if err != nil {
		return UserRecord{}, errm.Wrap(err, "find users")
	}
	for _, u := range users {
		if target.Matches(u.UserID, u.Username, "") {
			return u, nil
		}
	}
	return UserRecord{}, ErrNotFound
}

// Touch upserts the user from a Telegram update and refreshes the
// last-active timestamp. Storage writes go through the async path.
func (m *UserManager) Touch(ctx context.Context, tUser *tele.User) {
	if tUser == nil || tUser.ID == 0 {
		return
	}

	now := time.Now().UTC()

	user, ok := m.cache.Get(tUser.ID)
	if !ok {
		found := false
		var err error
		user, found, err = m.db.Find(ctx, tUser.ID)
		if err != nil {
			m.log.Warn("find user on touch", "user_id", tUser.ID, "error", err)
			return
		}
		if !found {
			record := UserRecord{
				UserID:    tUser.ID,
				Username:  tUser.Username,
				FirstName: tUser.FirstName,
				LastName:  tUser.LastName,
			}
			if err := m.AddUser(ctx, record); err != nil && !errm.Is(err, ErrDuplicate) {
				m.log.Warn("add user on touch", "user_id", tUser.ID, "error", err)
			}
			return
		}
	}

	user.LastActive = now
	diff := &UserRecordDiff{LastActive: &now}
	if tUser.Username != "" && tUser.Username != user.Username {
		user.Username = tUser.Username
		diff.Username = &tUser.Username
	}

	m.cache.Set(tUser.ID, user)
	m.db.UpdateAsync(tUser.ID, diff)
}

// SetTimezone updates the user's timezone.
func (m *UserManager) SetTimezone(ctx context.Context, userID int64, tz string) error {
	return m.UpdateField(ctx, userID, "timezone", tz)
}

// UpdateField updates one named field of the user record: "username",
// "first_name", "last_name" or "timezone". The cache is updated right away,
// the storage write goes through the async path.
func (m *UserManager) UpdateField(ctx context.Context, userID int64, field, value string) error {
	user, err := m.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	diff := &UserRecordDiff{}
	switch field {
	case "username":
		value = strings.TrimPrefix(value, "@")
		user.Username = value
		diff.Username = &value
	case "first_name":
		user.FirstName = value
		diff.FirstName = &value
	case "last_name":
		user.LastName = value
		diff.LastName = &value
	case "timezone":
		user.Timezone = value
		diff.Timezone = &value
	default:
		return ErrInvalidArgument.New("unknown user field: %s", field)
	}

	m.cache.Set(userID, user)
	m.db.UpdateAsync(userID, diff)
	return nil
}

func (m *UserManager) classify(user UserRecord) UserType {
	if m.access == nil {
		return UserTypeRegular
	}
	switch {
	case m.access.IsAdmin(user.UserID, user.Username):
		return UserTypeAdmin
	case m.access.IsFriend(user.UserID, user.Username):
		return UserTypeFriend
	default:
		return UserTypeRegular
	}
}

// mongoUserStorage keeps user records in MongoDB with async diff updates
// running through an ordered queue, one lane per user.
type mongoUserStorage struct {
	coll  *Collection
	async *AsyncCollection
	log   Logger
}

func newMongoUserStorage(ctx context.Context, coll *Collection, async *AsyncCollection, log Logger) (UserStorage, error) {
	if err := coll.CreateUniqueIndex(ctx, "user_id"); err != nil {
		return nil, errm.Wrap(err, "create user index")
	}
	return &mongoUserStorage{
		coll:  coll,
		async: async,
		log:   log,
	}, nil
}

func (s *mongoUserStorage) Insert(ctx context.Context, user UserRecord) error {
	return s.coll.Insert(ctx, user)
}

func (s *mongoUserStorage) Find(ctx context.Context, userID int64) (UserRecord, bool, error) {
	var out UserRecord
	err := s.coll.FindOne(ctx, &out, NewFilter("user_id", userID))
	if errm.Is(err, ErrNotFound) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, err
	}
	return out, true, nil
}

func (s *mongoUserStorage) FindAll(ctx context.Context) ([]UserRecord, error) {
	var out []UserRecord
	if err := s.coll.FindAll(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *mongoUserStorage) UpdateAsync(userID int64, diff *UserRecordDiff) {
	s.async.SetFromDiff(userQueueName(userID), "update_user", NewFilter("user_id", userID), *diff)
}

func userQueueName(userID int64) string {
	return "user_" + strconv.FormatInt(userID, 10)
}

// inMemoryUserStorage keeps user records in an in-memory cache, for bots
// without a database.
type inMemoryUserStorage struct {
	cache otter.Cache[int64, UserRecord]
}

func newInMemoryUserStorage(capacity int, ttl time.Duration) (UserStorage, error) {
	c, err := otter.MustBuilder[int64, UserRecord](capacity).WithTTL(ttl).Build()
	if err != nil {
		return nil, errm.Wrap(err, "new in-memory user storage")
	}
	return &inMemoryUserStorage{cache: c}, nil
}

func (s *inMemoryUserStorage) Insert(_ context.Context, user UserRecord) error {
	if user.UserID == 0 {
		return errm.New("invalid user id")
	}
	if _, found := s.cache.Get(user.UserID); found {
		return ErrDuplicate
	}
	if !s.cache.Set(user.UserID, user) {
		return errm.New("cache rejected insertion")
	}
	return nil
}

func (s *inMemoryUserStorage) Find(_ context.Context, userID int64) (UserRecord, bool, error) {
	user, found := s.cache.Get(userID)
	return user, found, nil
}

func (s *inMemoryUserStorage) FindAll(context.Context) ([]UserRecord, error) {
	out := make([]UserRecord, 0, s.cache.Size())
	s.cache.Range(func(_ int64, value UserRecord) bool {
		out = append(out, value)
		return true
	})
	return out, nil
}

func (s *inMemoryUserStorage) UpdateAsync(userID int64, diff *UserRecordDiff) {
	user, found := s.cache.Get(userID)
	if !found {
		return
	}

	user.Username = lang.Check(lang.Deref(diff.Username), user.Username)
	user.FirstName = lang.Check(lang.Deref(diff.FirstName), user.FirstName)
	user.LastName = lang.Check(lang.Deref(diff.LastName), user.LastName)
	user.Timezone = lang.Check(lang.Deref(diff.Timezone), user.Timezone)
	user.Type = lang.Check(lang.Deref(diff.Type), user.Type)
	user.LastActive = lang.CheckTime(lang.Deref(diff.LastActive), user.LastActive)

	s.cache.Set(userID, user)
}
