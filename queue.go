package botspot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maxbolgarin/abstract"
	"github.com/maxbolgarin/errm"
	"go.mongodb.org/mongo-driver/bson"
)

// QueueItem is a single stored queue entry. Data carries the payload the
// caller pushed, decoded as a document.
type QueueItem struct {
	ID        string    `bson:"item_id" json:"item_id"`
	UserID    int64     `bson:"user_id" json:"user_id"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	Data      bson.M    `bson:"data" json:"data"`
}

// QueueManager creates named per-bot item queues backed by MongoDB
// collections. Every queue gets its own collection under a common prefix.
type QueueManager struct {
	db     *MongoDB
	log    Logger
	prefix string

	mu     sync.Mutex
	queues map[string]*Queue
}

func newQueueManager(db *MongoDB, log Logger, cfg QueueSettings) *QueueManager {
	return &QueueManager{
		db:     db,
		log:    log,
		prefix: cfg.CollectionPrefix,
		queues: make(map[string]*Queue),
	}
}

// Queue returns the queue with the given name, creating it on first use.
func (m *QueueManager) Queue(name string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		return q
	}

	q := &Queue{
		coll: m.db.GetCollection(m.prefix + name),
		log:  m.log,
		name: name,
	}
	m.queues[name] = q
	return q
}

// Queue is a single named item queue.
type Queue struct {
	coll *Collection
	log  Logger
	name string
}

// Add pushes an item for the user. The payload must be bson-serializable.
func (q *Queue) Add(ctx context.Context, userID int64, data map[string]any) (QueueItem, error) {
	item := QueueItem{
		ID:        abstract.GetRandomString(16),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
		Data:      bson.M(data),
	}
	if err := q.coll.Insert(ctx, item); err != nil {
		return QueueItem{}, errm.Wrap(err, "insert queue item", "queue", q.name)
	}
	q.log.Debug("queue item added", "queue", q.name, "user_id", userID, "item_id", item.ID)
	return item, nil
}

// Items returns the user's items, oldest first. A zero userID returns all items.
func (q *Queue) Items(ctx context.Context, userID int64) ([]QueueItem, error) {
	filter := NewFilter()
	if userID != 0 {
		filter.Add("user_id", userID)
	}

	var out []QueueItem
	if err := q.coll.FindMany(ctx, &out, filter); err != nil {
		return nil, errm.Wrap(err, "find queue items", "queue", q.name)
	}
	sortQueueItems(out)
	return out, nil
}

// Find returns items matching extra data fields, optionally projected to the
// named fields only.
func (q *Queue) Find(ctx context.Context, userID int64, dataFilter map[string]any, projection ...string) ([]QueueItem, error) {
	filter := NewFilter()
	if userID != 0 {
		filter.Add("user_id", userID)
	}
	for k, v := range dataFilter {
		filter.Add("data."+k, v)
	}

	var out []QueueItem
	if err := q.coll.FindManyProjected(ctx, &out, filter, projection); err != nil {
		return nil, errm.Wrap(err, "find queue items", "queue", q.name)
	}
	sortQueueItems(out)
	return out, nil
}

// Take removes and returns the user's oldest item.
func (q *Queue) Take(ctx context.Context, userID int64) (QueueItem, error) {
	items, err := q.Items(ctx, userID)
	if err != nil {
		return QueueItem{}, err
	}
	if len(items) == 0 {
		return QueueItem{}, ErrNotFound
	}

	item := items[0]
	if err := q.coll.Delete(ctx, NewFilter("item_id", item.ID)); err != nil {
		return QueueItem{}, errm.Wrap(err, "delete queue item", "queue", q.name)
	}
	return item, nil
}

// Remove deletes an item by ID.
func (q *Queue) Remove(ctx context.Context, itemID string) error {
	return q.coll.Delete(ctx, NewFilter("item_id", itemID))
}

// Clear deletes all items of the user. A zero userID clears the whole queue.
func (q *Queue) Clear(ctx context.Context, userID int64) error {
	filter := NewFilter()
	if userID != 0 {
		filter.Add("user_id", userID)
	}
	return q.coll.DeleteMany(ctx, filter)
}

// Count returns the number of the user's items.
func (q *Queue) Count(ctx context.Context, userID int64) (int64, error) {
	filter := NewFilter()
	if userID != 0 {
		filter.Add("user_id", userID)
	}
	return q.coll.Count(ctx, filter)
}

func sortQueueItems(items []QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
