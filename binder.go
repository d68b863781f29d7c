package botspot

import (
	"context"
	"sync"
	"time"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
)

// RebindMode controls what Bind does when the key is already bound.
type RebindMode string

const (
	// RebindReplace silently replaces the existing binding.
	RebindReplace RebindMode = "replace"
	// RebindError rejects the bind with ErrAlreadyBound.
	RebindError RebindMode = "error"
	// RebindIgnore keeps the existing binding and reports success.
	RebindIgnore RebindMode = "ignore"
)

// DefaultBindKey is used when a bind call does not name a key.
const DefaultBindKey = "default"

// ErrAlreadyBound is returned by Bind in RebindError mode.
var ErrAlreadyBound = errm.New("key is already bound to another chat")

// BoundChat is a persistent user-to-chat binding.
type BoundChat struct {
	UserID  int64     `bson:"user_id" json:"user_id"`
	ChatID  int64     `bson:"chat_id" json:"chat_id"`
	Key     string    `bson:"key" json:"key"`
	BoundAt time.Time `bson:"bound_at" json:"bound_at"`
}

// BindingStorage persists chat bindings.
type BindingStorage interface {
	Upsert(ctx context.Context, b BoundChat) error
	Find(ctx context.Context, userID int64, key string) (BoundChat, bool, error)
	FindByUser(ctx context.Context, userID int64) ([]BoundChat, error)
	FindByChat(ctx context.Context, chatID int64) ([]BoundChat, error)
	Delete(ctx context.Context, userID int64, key string) error
}

// ChatBinder lets a user attach chats to named keys and look them up later,
// e.g. to route notifications to a chat the user picked.
type ChatBinder struct {
	db   BindingStorage
	log  Logger
	mode RebindMode
}

func newChatBinder(db BindingStorage, log Logger, cfg BinderSettings) *ChatBinder {
	return &ChatBinder{
		db:   db,
		log:  log,
		mode: lang.Check(cfg.RebindMode, RebindError),
	}
}

// Bind attaches chatID to the key for the user. Behavior on an existing
// binding follows the configured RebindMode.
func (b *ChatBinder) Bind(ctx context.Context, userID, chatID int64, key ...string) (BoundChat, error) {
	bindKey := lang.Check(lang.First(key), DefaultBindKey)

	existing, found, err := b.db.Find(ctx, userID, bindKey)
	if err != nil {
		return BoundChat{}, errm.Wrap(err, "find binding")
	}

	if found && existing.ChatID != chatID {
		switch b.mode {
		case RebindError:
			return existing, errm.Wrap(ErrAlreadyBound, "bind", "key", bindKey)
		case RebindIgnore:
			b.log.Debug("bind ignored, key already bound",
				"user_id", userID, "key", bindKey, "chat_id", existing.ChatID)
			return existing, nil
		}
	}

	record := BoundChat{
		UserID:  userID,
		ChatID:  chatID,
		Key:     bindKey,
		BoundAt: time.Now().UTC(),
	}
	if err := b.db.Upsert(ctx, record); err != nil {
		return BoundChat{}, errm.Wrap(err, "upsert binding")
	}

	b.log.Info("chat bound", "user_id", userID, "chat_id", chatID, "key", bindKey)
	return record, nil
}

// Unbind removes the binding for the key. Unbinding a missing key is an error.
func (b *ChatBinder) Unbind(ctx context.Context, userID int64, key ...string) error {
	bindKey := lang.Check(lang.First(key), DefaultBindKey)

	_, found, err := b.db.Find(ctx, userID, bindKey)
	if err != nil {
		return errm.Wrap(err, "find binding")
	}
	if !found {
		return errm.Wrap(ErrNotFound, "no binding for key", "key", bindKey)
	}

	if err := b.db.Delete(ctx, userID, bindKey); err != nil {
		return errm.Wrap(err, "delete binding")
	}

	b.log.Info("chat unbound", "user_id", userID, "key", bindKey)
	return nil
}

// BoundChatID returns the chat bound to the key for the user.
func (b *ChatBinder) BoundChatID(ctx context.Context, userID int64, key ...string) (int64, error) {
	bindKey := lang.Check(lang.First(key), DefaultBindKey)

	record, found, err := b.db.Find(ctx, userID, bindKey)
	if err != nil {
		return 0, errm.Wrap(err, "find binding")
	}
	if !found {
		return 0, errm.Wrap(ErrNotFound, "no binding for key", "key", bindKey)
	}
	return record.ChatID, nil
}

// UserBoundChats returns all bindings of the user.
func (b *ChatBinder) UserBoundChats(ctx context.Context, userID int64) ([]BoundChat, error) {
	records, err := b.db.FindByUser(ctx, userID)
	if err != nil {
		return nil, errm.Wrap(err, "find bindings")
	}
	return records, nil
}

// BindingStatus returns the keys the user has bound to this chat.
func (b *ChatBinder) BindingStatus(ctx context.Context, userID, chatID int64) ([]string, error) {
	records, err := b.db.FindByChat(ctx, chatID)
	if err != nil {
		return nil, errm.Wrap(err, "find bindings")
	}
	var keys []string
	for _, r := range records {
		if r.UserID == userID {
			keys = append(keys, r.Key)
		}
	}
	return keys, nil
}

// mongoBindingStorage keeps bindings in a MongoDB collection with a unique
// (user_id, key) index.
type mongoBindingStorage struct {
	coll *Collection
}

func newMongoBindingStorage(ctx context.Context, db *MongoDB, collection string) (BindingStorage, error) {
	coll := db.GetCollection(collection)
	if err := coll.CreateUniqueIndex(ctx, "user_id", "key"); err != nil {
		return nil, errm.Wrap(err, "create binding index")
	}
	return &mongoBindingStorage{coll: coll}, nil
}

func (s *mongoBindingStorage) Upsert(ctx context.Context, b BoundChat) error {
	return s.coll.Replace(ctx, b, NewFilter("user_id", b.UserID, "key", b.Key))
}

func (s *mongoBindingStorage) Find(ctx context.Context, userID int64, key string) (BoundChat, bool, error) {
	var out BoundChat
	err := s.coll.FindOne(ctx, &out, NewFilter("user_id", userID, "key", key))
	if errm.Is(err, ErrNotFound) {
		return BoundChat{}, false, nil
	}
	if err != nil {
		return BoundChat{}, false, err
	}
	return out, true, nil
}

func (s *mongoBindingStorage) FindByUser(ctx context.Context, userID int64) ([]BoundChat, error) {
	var out []BoundChat
	if err := s.coll.FindMany(ctx, &out, NewFilter("user_id", userID)); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *mongoBindingStorage) FindByChat(ctx context.Context, chatID int64) ([]BoundChat, error) {
	var out []BoundChat
	if err := s.coll.FindMany(ctx, &out, NewFilter("chat_id", chatID)); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *mongoBindingStorage) Delete(ctx context.Context, userID int64, key string) error {
	return s.coll.Delete(ctx, NewFilter("user_id", userID, "key", key))
}

// inMemoryBindingStorage keeps bindings in memory, for bots without a database.
type inMemoryBindingStorage struct {
	mu       sync.RWMutex
	bindings map[int64]map[string]BoundChat
}

func newInMemoryBindingStorage() BindingStorage {
	return &inMemoryBindingStorage{
		bindings: make(map[int64]map[string]BoundChat),
	}
}

func (s *inMemoryBindingStorage) Upsert(_ context.Context, b BoundChat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.bindings[b.UserID]
	if !ok {
		byKey = make(map[string]BoundChat)
		s.bindings[b.UserID] = byKey
	}
	byKey[b.Key] = b
	return nil
}

func (s *inMemoryBindingStorage) Find(_ context.Context, userID int64, key string) (BoundChat, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[userID][key]
	return b, ok, nil
}

func (s *inMemoryBindingStorage) FindByUser(_ context.Context, userID int64) ([]BoundChat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []BoundChat
	for _, b := range s.bindings[userID] {
		out = append(out, b)
	}
	return out, nil
}

func (s *inMemoryBindingStorage) FindByChat(_ context.Context, chatID int64) ([]BoundChat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []BoundChat
	for _, byKey := range s.bindings {
		for _, b := range byKey {
			if b.ChatID == chatID {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

func (s *inMemoryBindingStorage) Delete(_ context.Context, userID int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings[userID], key)
	if len(s.bindings[userID]) == 0 {
		delete(s.bindings, userID)
	}
	return nil
}
