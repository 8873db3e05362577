package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// dialect holds the statements that differ between SQL engines.
type dialect struct {
	name   string
	schema string
	ph     func(n int) string
}

// SQLStorage keeps documents as JSON bodies in a single table keyed by
// (collection, id). Pipelines run in process over the decoded bodies.
// Writes are serialized so change events are published in commit order.
type SQLStorage struct {
	db      *sql.DB
	dialect dialect
	feed    *feed
	writeMu sync.Mutex
}

func newSQLStorage(db *sql.DB, d dialect) (*SQLStorage, error) {
	s := &SQLStorage{db: db, dialect: d, feed: newFeed()}
	if _, err := db.Exec(d.schema); err != nil {
		return nil, fmt.Errorf("%s schema: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLStorage) q(format string, n int) string {
	args := make([]any, n)
	for i := range args {
		args[i] = s.dialect.ph(i + 1)
	}
	return fmt.Sprintf(format, args...)
}

// Changes opens a change feed over writes made through this store.
func (s *SQLStorage) Changes(ctx context.Context, ops []OperationType) (<-chan ChangeEvent, error) {
	return s.feed.subscribe(ctx, ops)
}

// Aggregate runs a pipeline over a collection in insertion order.
func (s *SQLStorage) Aggregate(ctx context.Context, collection string, pipeline Pipeline) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT body FROM documents WHERE collection = %s ORDER BY seq`, 1), collection)
	if err != nil {
		return nil, err
	}
	docs, err := scanBodies(rows)
	if err != nil {
		return nil, err
	}
	return RunPipeline(docs, pipeline)
}

// AggregateByID runs a pipeline over one document.
func (s *SQLStorage) AggregateByID(ctx context.Context, collection string, id any, pipeline Pipeline) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT body FROM documents WHERE collection = %s AND id = %s`, 2), collection, idKey(id))
	if err != nil {
		return nil, err
	}
	docs, err := scanBodies(rows)
	if err != nil {
		return nil, err
	}
	return RunPipeline(docs, pipeline)
}

func scanBodies(rows *sql.Rows) ([]Document, error) {
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d Document
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("corrupt document body: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// CollectionNames lists collections holding at least one document.
func (s *SQLStorage) CollectionNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT collection FROM documents ORDER BY collection`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Insert stores a document and publishes an insert event.
func (s *SQLStorage) Insert(ctx context.Context, collection string, doc Document) (any, error) {
	d := Document{}
	for k, v := range doc {
		d[k] = v
	}
	id := ensureID(d)
	body, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	// observers see the document as it will read back
	var full Document
	if err := json.Unmarshal(body, &full); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var exists int
	err = s.db.QueryRowContext(ctx,
		s.q(`SELECT 1 FROM documents WHERE collection = %s AND id = %s`, 2), collection, idKey(id)).Scan(&exists)
	if err == nil {
		return nil, ErrDuplicateKey
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO documents (collection, id, body) VALUES (%s, %s, %s)`, 3),
		collection, idKey(id), string(body)); err != nil {
		return nil, err
	}

	s.feed.publish(ChangeEvent{
		OperationType: OpInsert,
		Collection:    collection,
		DocumentKey:   full["_id"],
		FullDocument:  full,
	})
	return id, nil
}

// Update applies a mutation in a transaction and publishes an update event.
func (s *SQLStorage) Update(ctx context.Context, collection string, id any, mut Mutation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var body string
	err = tx.QueryRowContext(ctx,
		s.q(`SELECT body FROM documents WHERE collection = %s AND id = %s`, 2), collection, idKey(id)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var existing Document
	if err := json.Unmarshal([]byte(body), &existing); err != nil {
		return fmt.Errorf("corrupt document body: %w", err)
	}

	updated, desc := ApplyMutation(existing, mut)
	newBody, err := json.Marshal(updated)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		s.q(`UPDATE documents SET body = %s WHERE collection = %s AND id = %s`, 3),
		string(newBody), collection, idKey(id)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.feed.publish(ChangeEvent{
		OperationType:     OpUpdate,
		Collection:        collection,
		DocumentKey:       existing["_id"],
		FullDocument:      updated,
		UpdateDescription: desc,
	})
	return nil
}

// Delete removes a document and publishes a delete event.
func (s *SQLStorage) Delete(ctx context.Context, collection string, id any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM documents WHERE collection = %s AND id = %s`, 2), collection, idKey(id))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	s.feed.publish(ChangeEvent{
		OperationType: OpDelete,
		Collection:    collection,
		DocumentKey:   id,
	})
	return nil
}

// Close stops every feed and closes the database.
func (s *SQLStorage) Close() error {
	s.feed.close()
	return s.db.Close()
}
