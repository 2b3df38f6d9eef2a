package ops

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/basket/liveconsole/internal/backend"
)

// People is the collection the built-in demos work on.
const People = "people"

// Kind enumerates the built-in demo operations.
type Kind int

const (
	KindPing Kind = iota
	KindReset
	KindInsertOne
	KindInsertMany
	KindFind
	KindFindAdults
	KindUpdateOne
	KindUpdateMany
	KindDeleteOne
	KindDeleteMany
	KindCountDocuments
	KindAggregate
	kindCount
)

var kindNames = [...]string{
	KindPing:           "ping",
	KindReset:          "reset",
	KindInsertOne:      "insertOne",
	KindInsertMany:     "insertMany",
	KindFind:           "find",
	KindFindAdults:     "findAdults",
	KindUpdateOne:      "updateOne",
	KindUpdateMany:     "updateMany",
	KindDeleteOne:      "deleteOne",
	KindDeleteMany:     "deleteMany",
	KindCountDocuments: "countDocuments",
	KindAggregate:      "aggregate",
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds returns every built-in kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// ParseKind maps a wire name back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for k := Kind(0); k < kindCount; k++ {
		if kindNames[k] == name {
			return k, true
		}
	}
	return 0, false
}

// Default returns the registry of built-in demos.
func Default() *Registry {
	list := make([]Operation, 0, kindCount)
	for _, k := range Kinds() {
		list = append(list, k)
	}
	return MustNew(list...)
}

// Name implements Operation.
func (k Kind) Name() string { return k.String() }

// Run implements Operation.
func (k Kind) Run(ctx context.Context, store *backend.Store) (any, error) {
	if store == nil {
		return nil, errors.New("backend not connected")
	}
	switch k {
	case KindPing:
		if err := store.Ping(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	case KindReset:
		return reset(ctx, store)
	case KindInsertOne:
		return insertOne(ctx, store)
	case KindInsertMany:
		return insertMany(ctx, store)
	case KindFind:
		return store.Collection(People).Find(ctx, backend.Query{})
	case KindFindAdults:
		return store.Collection(People).Find(ctx,
			backend.Where(backend.C("age", backend.Gte, 18)).SortBy("name", false))
	case KindUpdateOne:
		return updateOne(ctx, store)
	case KindUpdateMany:
		return updateMany(ctx, store)
	case KindDeleteOne:
		return deleteWhere(ctx, store, func(c *backend.Collection) (int64, error) {
			return c.DeleteOne(ctx, backend.Query{}.SortBy("age", true))
		})
	case KindDeleteMany:
		return deleteWhere(ctx, store, func(c *backend.Collection) (int64, error) {
			return c.DeleteMany(ctx, backend.Where(backend.C("active", backend.Eq, false)))
		})
	case KindCountDocuments:
		n, err := store.Collection(People).Count(ctx, backend.Query{})
		if err != nil {
			return nil, err
		}
		return map[string]any{"count": n}, nil
	case KindAggregate:
		return aggregate(ctx, store)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, k)
	}
}

var (
	firstNames = []string{"Ada", "Grace", "Alan", "Barbara", "Edsger", "Margaret", "Ken", "Radia"}
	cities     = []string{"London", "New York", "Rotterdam", "Boston", "Zurich"}
)

func fixtures() []backend.Document {
	return []backend.Document{
		{"name": "Ada", "age": 36, "city": "London", "active": true},
		{"name": "Alan", "age": 41, "city": "London", "active": true},
		{"name": "Grace", "age": 85, "city": "New York", "active": true},
		{"name": "Edsger", "age": 72, "city": "Rotterdam", "active": true},
		{"name": "Linus", "age": 12, "city": "Helsinki", "active": true},
		{"name": "Radia", "age": 16, "city": "Boston", "active": true},
	}
}

func generated() backend.Document {
	return backend.Document{
		"name":   firstNames[rand.IntN(len(firstNames))],
		"age":    5 + rand.IntN(86),
		"city":   cities[rand.IntN(len(cities))],
		"active": true,
	}
}

func reset(ctx context.Context, store *backend.Store) (any, error) {
	var dropped int64
	var ids []string
	err := store.WithTx(ctx, func(tx *backend.Tx) error {
		c := tx.Collection(People)
		var err error
		if dropped, err = c.Drop(ctx); err != nil {
			return err
		}
		ids, err = c.InsertMany(ctx, fixtures())
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"dropped": dropped, "inserted": len(ids)}, nil
}

func insertOne(ctx context.Context, store *backend.Store) (any, error) {
	var out map[string]any
	err := store.WithTx(ctx, func(tx *backend.Tx) error {
		c := tx.Collection(People)
		id, err := c.InsertOne(ctx, generated())
		if err != nil {
			return err
		}
		doc, err := c.FindOne(ctx, backend.Where(backend.C(backend.IDField, backend.Eq, id)))
		if err != nil {
			return err
		}
		out = map[string]any{"insertedId": id, "document": doc}
		return nil
	})
	return out, err
}

func insertMany(ctx context.Context, store *backend.Store) (any, error) {
	var out map[string]any
	err := store.WithTx(ctx, func(tx *backend.Tx) error {
		c := tx.Collection(People)
		ids, err := c.InsertMany(ctx, []backend.Document{generated(), generated(), generated()})
		if err != nil {
			return err
		}
		n, err := c.Count(ctx, backend.Query{})
		if err != nil {
			return err
		}
		out = map[string]any{"insertedIds": ids, "count": n}
		return nil
	})
	return out, err
}

func updateOne(ctx context.Context, store *backend.Store) (any, error) {
	out := map[string]any{"matched": 0, "modified": 0, "document": nil}
	err := store.WithTx(ctx, func(tx *backend.Tx) error {
		c := tx.Collection(People)
		doc, err := c.FindOne(ctx, backend.Query{}.SortBy("name", false))
		if errors.Is(err, backend.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		age, _ := doc["age"].(float64)
		byID := backend.Where(backend.C(backend.IDField, backend.Eq, doc[backend.IDField]))
		res, err := c.UpdateOne(ctx, byID, backend.Document{"age": int(age) + 1})
		if err != nil {
			return err
		}
		updated, err := c.FindOne(ctx, byID)
		if err != nil {
			return err
		}
		out = map[string]any{"matched": res.Matched, "modified": res.Modified, "document": updated}
		return nil
	})
	return out, err
}

func updateMany(ctx context.Context, store *backend.Store) (any, error) {
	var out map[string]any
	err := store.WithTx(ctx, func(tx *backend.Tx) error {
		c := tx.Collection(People)
		res, err := c.UpdateMany(ctx,
			backend.Where(backend.C("age", backend.Lt, 18)),
			backend.Document{"active": false})
		if err != nil {
			return err
		}
		docs, err := c.Find(ctx, backend.Where(backend.C("active", backend.Eq, false)))
		if err != nil {
			return err
		}
		out = map[string]any{"matched": res.Matched, "modified": res.Modified, "documents": docs}
		return nil
	})
	return out, err
}

func deleteWhere(ctx context.Context, store *backend.Store, del func(*backend.Collection) (int64, error)) (any, error) {
	var out map[string]any
	err := store.WithTx(ctx, func(tx *backend.Tx) error {
		c := tx.Collection(People)
		n, err := del(c)
		if err != nil {
			return err
		}
		remaining, err := c.Count(ctx, backend.Query{})
		if err != nil {
			return err
		}
		out = map[string]any{"deleted": n, "remaining": remaining}
		return nil
	})
	return out, err
}

func aggregate(ctx context.Context, store *backend.Store) (any, error) {
	groups, err := store.Collection(People).Group(ctx, "city", "age")
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		out = append(out, map[string]any{"_id": g.Key, "count": g.Count, "avgAge": g.Avg})
	}
	return out, nil
}
