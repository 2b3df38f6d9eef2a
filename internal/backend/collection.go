package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// IDField is the document key holding the primary id.
const IDField = "_id"

// Document is a JSON object stored in a collection.
type Document map[string]any

// UpdateResult reports the outcome of UpdateOne and UpdateMany.
type UpdateResult struct {
	Matched  int64 `json:"matched"`
	Modified int64 `json:"modified"`
}

// Group is one bucket of a Collection.Group aggregation.
type Group struct {
	Key   any     `json:"_id"`
	Count int64   `json:"count"`
	Avg   float64 `json:"avg"`
}

// Collection is a named set of documents.
type Collection struct {
	name string
	q    querier
}

func (c *Collection) Name() string { return c.name }

// InsertOne stores doc, assigning an _id when it has none, and returns the id.
func (c *Collection) InsertOne(ctx context.Context, doc Document) (string, error) {
	body := make(Document, len(doc)+1)
	for k, v := range doc {
		body[k] = v
	}
	id, _ := body[IDField].(string)
	if id == "" {
		id = uuid.NewString()
		body[IDField] = id
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := c.q.ExecContext(ctx,
			`INSERT INTO documents (id, collection, body) VALUES (?, ?, ?)`,
			id, c.name, string(raw))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert into %s: %w", c.name, err)
	}
	return id, nil
}

// InsertMany stores docs in order and returns their ids.
func (c *Collection) InsertMany(ctx context.Context, docs []Document) ([]string, error) {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, err := c.InsertOne(ctx, doc)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Find returns the documents matching q.
func (c *Collection) Find(ctx context.Context, q Query) ([]Document, error) {
	where, args, err := q.where(c.name)
	if err != nil {
		return nil, err
	}
	tail, targs, err := q.tail()
	if err != nil {
		return nil, err
	}
	rows, err := c.q.QueryContext(ctx, "SELECT body FROM documents WHERE "+where+tail, append(args, targs...)...)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.name, err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.name, err)
	}
	return docs, nil
}

// FindOne returns the first document matching q or ErrNotFound.
func (c *Collection) FindOne(ctx context.Context, q Query) (Document, error) {
	docs, err := c.Find(ctx, q.Take(1))
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%s: %w", c.name, ErrNotFound)
	}
	return docs[0], nil
}

// UpdateOne merges set into the first document matching q.
func (c *Collection) UpdateOne(ctx context.Context, q Query, set Document) (UpdateResult, error) {
	doc, err := c.FindOne(ctx, q)
	if errors.Is(err, ErrNotFound) {
		return UpdateResult{}, nil
	}
	if err != nil {
		return UpdateResult{}, err
	}
	id, _ := doc[IDField].(string)
	return c.patch(ctx, UpdateResult{Matched: 1}, "id = ?", []any{id}, set)
}

// UpdateMany merges set into every document matching q. Sort and Limit are ignored.
func (c *Collection) UpdateMany(ctx context.Context, q Query, set Document) (UpdateResult, error) {
	where, args, err := q.where(c.name)
	if err != nil {
		return UpdateResult{}, err
	}
	matched, err := c.count(ctx, where, args)
	if err != nil {
		return UpdateResult{}, err
	}
	return c.patch(ctx, UpdateResult{Matched: matched}, where, args, set)
}

func (c *Collection) patch(ctx context.Context, res UpdateResult, where string, args []any, set Document) (UpdateResult, error) {
	if _, ok := set[IDField]; ok {
		return res, fmt.Errorf("update %s: %s is immutable", c.name, IDField)
	}
	raw, err := json.Marshal(set)
	if err != nil {
		return res, fmt.Errorf("encode update: %w", err)
	}
	all := append([]any{string(raw)}, args...)
	all = append(all, string(raw))
	err = retryOnBusy(ctx, busyRetries, func() error {
		r, err := c.q.ExecContext(ctx,
			"UPDATE documents SET body = json_patch(body, ?) WHERE "+where+" AND json(body) != json_patch(body, ?)",
			all...)
		if err != nil {
			return err
		}
		res.Modified, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return res, fmt.Errorf("update %s: %w", c.name, err)
	}
	return res, nil
}

// DeleteOne removes the first document matching q and reports how many were removed.
func (c *Collection) DeleteOne(ctx context.Context, q Query) (int64, error) {
	where, args, err := q.where(c.name)
	if err != nil {
		return 0, err
	}
	tail, targs, err := q.Take(1).tail()
	if err != nil {
		return 0, err
	}
	return c.delete(ctx, "id = (SELECT id FROM documents WHERE "+where+tail+")", append(args, targs...))
}

// DeleteMany removes every document matching q. Sort and Limit are ignored.
func (c *Collection) DeleteMany(ctx context.Context, q Query) (int64, error) {
	where, args, err := q.where(c.name)
	if err != nil {
		return 0, err
	}
	return c.delete(ctx, where, args)
}

// Drop removes every document of the collection.
func (c *Collection) Drop(ctx context.Context) (int64, error) {
	return c.DeleteMany(ctx, Query{})
}

func (c *Collection) delete(ctx context.Context, where string, args []any) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		r, err := c.q.ExecContext(ctx, "DELETE FROM documents WHERE "+where, args...)
		if err != nil {
			return err
		}
		n, err = r.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", c.name, err)
	}
	return n, nil
}

// Count returns how many documents match q.
func (c *Collection) Count(ctx context.Context, q Query) (int64, error) {
	where, args, err := q.where(c.name)
	if err != nil {
		return 0, err
	}
	return c.count(ctx, where, args)
}

func (c *Collection) count(ctx context.Context, where string, args []any) (int64, error) {
	var n int64
	if err := c.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return n, nil
}

// Group buckets the collection by field, counting members and averaging avgField.
// Buckets are ordered by key; documents missing field share a nil-keyed bucket.
func (c *Collection) Group(ctx context.Context, field, avgField string) ([]Group, error) {
	keyPath, err := jsonPath(field)
	if err != nil {
		return nil, err
	}
	avgPath, err := jsonPath(avgField)
	if err != nil {
		return nil, err
	}
	rows, err := c.q.QueryContext(ctx,
		`SELECT json_extract(body, ?) AS k, COUNT(*), AVG(json_extract(body, ?))
		FROM documents WHERE collection = ? GROUP BY k ORDER BY k`,
		keyPath, avgPath, c.name)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", c.name, err)
	}
	defer rows.Close()

	groups := []Group{}
	for rows.Next() {
		var (
			key sql.NullString
			g   Group
			avg sql.NullFloat64
		)
		if err := rows.Scan(&key, &g.Count, &avg); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		if key.Valid {
			g.Key = key.String
		}
		g.Avg = avg.Float64
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("group %s: %w", c.name, err)
	}
	return groups, nil
}
