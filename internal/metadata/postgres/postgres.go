// Package postgres provides the PostgreSQL-backed metadata store.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/bitdrive/bitdrive/internal/logging"
	"github.com/bitdrive/bitdrive/internal/metadata"
	"github.com/bitdrive/bitdrive/internal/metrics"
	"go.uber.org/zap"
)

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

// New opens a connection pool and verifies it.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

const nodeColumns = `id, name, is_dir, COALESCE(parent_id::text, ''), size,
	COALESCE(content_hash, ''), COALESCE(storage_key, ''), created_at, updated_at`

func scanNode(row interface{ Scan(...any) error }) (*metadata.Node, error) {
	var n metadata.Node
	err := row.Scan(&n.ID, &n.Name, &n.IsDir, &n.ParentID, &n.Size,
		&n.ContentHash, &n.StorageKey, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// nullableID converts an empty parent id to SQL NULL.
func nullableID(id string) any {
	if id == "" {
		return nil
	}
	return id
}

// GetNode returns a single node by id, or metadata.ErrNotFound.
func (s *Store) GetNode(ctx context.Context, id string) (*metadata.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_node", time.Since(start)) }()

	n, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", metadata.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query node: %w", err)
	}
	return n, nil
}

// List returns the direct children of parentID (empty = root), directories
// before files, then alphabetically.
func (s *Store) List(ctx context.Context, parentID string) ([]*metadata.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list", time.Since(start)) }()

	if parentID != "" {
		parent, err := s.GetNode(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if !parent.IsDir {
			return nil, fmt.Errorf("%w: %s", metadata.ErrNotADir, parentID)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE parent_id IS NOT DISTINCT FROM $1
		 ORDER BY is_dir DESC, name`, nullableID(parentID))
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var nodes []*metadata.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// FindChildByName returns the child of parentID named name, or nil.
func (s *Store) FindChildByName(ctx context.Context, parentID, name string) (*metadata.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("find_child", time.Since(start)) }()

	n, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE parent_id IS NOT DISTINCT FROM $1 AND name = $2`,
		nullableID(parentID), name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query child: %w", err)
	}
	return n, nil
}

// CreateDirectory inserts a new directory node under parentID.
func (s *Store) CreateDirectory(ctx context.Context, parentID, name string) (*metadata.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_directory", time.Since(start)) }()

	if parentID != "" {
		parent, err := s.GetNode(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if !parent.IsDir {
			return nil, fmt.Errorf("%w: %s", metadata.ErrNotADir, parentID)
		}
	}

	now := time.Now().UTC()
	node := &metadata.Node{
		ID:        uuid.NewString(),
		Name:      name,
		IsDir:     true,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, name, is_dir, parent_id, size, created_at, updated_at)
		 VALUES ($1, $2, TRUE, $3, 0, $4, $4)`,
		node.ID, node.Name, nullableID(parentID), now)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s", metadata.ErrNameConflict, name)
	}
	if err != nil {
		return nil, fmt.Errorf("insert directory: %w", err)
	}

	logging.Debug("directory created",
		zap.String("id", node.ID),
		zap.String("name", name),
		zap.String("parent", parentID))
	return node, nil
}

// InsertFile inserts a file node produced by a completed merge. If a
// same-named sibling already exists, the existing node wins and its id is
// returned with existed = true.
func (s *Store) InsertFile(ctx context.Context, node *metadata.Node) (string, bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_file", time.Since(start)) }()

	if node.ParentID != "" {
		parent, err := s.GetNode(ctx, node.ParentID)
		if err != nil {
			return "", false, err
		}
		if !parent.IsDir {
			return "", false, fmt.Errorf("%w: %s", metadata.ErrNotADir, node.ParentID)
		}
	}

	if existing, err := s.FindChildByName(ctx, node.ParentID, node.Name); err != nil {
		return "", false, err
	} else if existing != nil {
		return existing.ID, true, nil
	}

	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, name, is_dir, parent_id, size, content_hash, storage_key, created_at, updated_at)
		 VALUES ($1, $2, FALSE, $3, $4, $5, $6, $7, $7)`,
		node.ID, node.Name, nullableID(node.ParentID), node.Size,
		node.ContentHash, node.StorageKey, now)
	if isUniqueViolation(err) {
		// Lost a race with another insert of the same sibling name.
		existing, ferr := s.FindChildByName(ctx, node.ParentID, node.Name)
		if ferr == nil && existing != nil {
			return existing.ID, true, nil
		}
		return "", false, fmt.Errorf("%w: %s", metadata.ErrNameConflict, node.Name)
	}
	if err != nil {
		return "", false, fmt.Errorf("insert file: %w", err)
	}

	logging.Debug("file node inserted",
		zap.String("id", node.ID),
		zap.String("name", node.Name),
		zap.Int64("size", node.Size),
		zap.String("hash", node.ContentHash))
	return node.ID, false, nil
}

// Rename updates the display name of a node.
func (s *Store) Rename(ctx context.Context, id, newName string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("rename", time.Since(start)) }()

	result, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET name = $1, updated_at = NOW() WHERE id = $2`, newName, id)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", metadata.ErrNameConflict, newName)
	}
	if err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", metadata.ErrNotFound, id)
	}

	logging.Debug("node renamed", zap.String("id", id), zap.String("name", newName))
	return nil
}

// Move re-parents a node. The whole operation runs in one transaction: the
// node and target are validated, the target's ancestor chain is walked to
// reject cycles, and only then is parent_id updated.
func (s *Store) Move(ctx context.Context, id, newParentID string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("move", time.Since(start)) }()

	if id == newParentID {
		return metadata.ErrSelfMove
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	node, err := txGetNode(ctx, tx, id)
	if err != nil {
		return err
	}

	if newParentID != "" {
		target, err := txGetNode(ctx, tx, newParentID)
		if err != nil {
			return err
		}
		if !target.IsDir {
			return fmt.Errorf("%w: %s", metadata.ErrNotADir, newParentID)
		}
		if node.IsDir {
			// Walk the target's ancestor chain; hitting the moved node
			// means the target lives inside the moved subtree.
			if err := checkAncestors(ctx, tx, newParentID, id); err != nil {
				return err
			}
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE nodes SET parent_id = $1, updated_at = NOW() WHERE id = $2`,
		nullableID(newParentID), id)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", metadata.ErrNameConflict, node.Name)
	}
	if err != nil {
		return fmt.Errorf("move: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit move: %w", err)
	}

	logging.Debug("node moved", zap.String("id", id), zap.String("new_parent", newParentID))
	return nil
}

func txGetNode(ctx context.Context, tx *sql.Tx, id string) (*metadata.Node, error) {
	n, err := scanNode(tx.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", metadata.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query node: %w", err)
	}
	return n, nil
}

// checkAncestors follows parent pointers from startID and returns ErrCycle if
// forbiddenID appears. The visited set bounds the walk even if the parent
// chain is corrupted.
func checkAncestors(ctx context.Context, tx *sql.Tx, startID, forbiddenID string) error {
	visited := make(map[string]struct{})
	cur := startID
	for cur != "" {
		if cur == forbiddenID {
			return metadata.ErrCycle
		}
		if _, ok := visited[cur]; ok {
			return nil
		}
		visited[cur] = struct{}{}

		var parent string
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(parent_id::text, '') FROM nodes WHERE id = $1`, cur).Scan(&parent)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("walk ancestors: %w", err)
		}
		cur = parent
	}
	return nil
}

// ObjectRemover removes a physical content object by storage key.
type ObjectRemover func(ctx context.Context, storageKey string) error

// Delete removes a node and, for directories, its entire subtree in one
// transaction. Physical content objects are removed only when no surviving
// row references the same content hash; a physical removal failure is logged
// and tolerated so metadata consistency always wins.
func (s *Store) Delete(ctx context.Context, id string, removeObject ObjectRemover) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	doomed, err := collectSubtreeTx(ctx, tx, id)
	if err != nil {
		return err
	}

	doomedIDs := make([]string, len(doomed))
	for i, n := range doomed {
		doomedIDs[i] = n.ID
	}

	for _, n := range doomed {
		if n.IsDir || n.StorageKey == "" || removeObject == nil {
			continue
		}
		refs, err := countOtherRefs(ctx, tx, n.ContentHash, doomedIDs)
		if err != nil {
			return err
		}
		if refs > 0 {
			logging.Debug("content still referenced, keeping object",
				zap.String("hash", n.ContentHash), zap.Int("refs", refs))
			continue
		}
		if err := removeObject(ctx, n.StorageKey); err != nil {
			// Physical deletion is not undoable; tolerate the leak rather
			// than abort the metadata transaction.
			logging.Warn("physical object removal failed",
				zap.String("key", n.StorageKey), zap.Error(err))
		}
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM nodes WHERE id = ANY($1)`, pq.Array(doomedIDs))
	if err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	rows, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	logging.Info("subtree deleted", zap.String("id", id), zap.Int64("rows", rows))
	return nil
}

// collectSubtreeTx loads the target and every descendant, breadth-first in
// batched queries, parents before their contents.
func collectSubtreeTx(ctx context.Context, tx *sql.Tx, id string) ([]*metadata.Node, error) {
	root, err := txGetNode(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	out := []*metadata.Node{root}
	frontier := []string{id}
	for len(frontier) > 0 {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ANY($1)`,
			pq.Array(frontier))
		if err != nil {
			return nil, fmt.Errorf("query descendants: %w", err)
		}

		var next []string
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan descendant: %w", err)
			}
			out = append(out, n)
			if n.IsDir {
				next = append(next, n.ID)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		frontier = next
	}
	return out, nil
}

func countOtherRefs(ctx context.Context, tx *sql.Tx, contentHash string, excludeIDs []string) (int, error) {
	if contentHash == "" {
		return 0, nil
	}
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes
		 WHERE content_hash = $1 AND NOT (id = ANY($2))`,
		contentHash, pq.Array(excludeIDs)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count content refs: %w", err)
	}
	return count, nil
}

// CountByContentHash returns how many file rows reference a content hash.
func (s *Store) CountByContentHash(ctx context.Context, contentHash string) (int, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("count_by_hash", time.Since(start)) }()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE content_hash = $1`, contentHash).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count by hash: %w", err)
	}
	return count, nil
}

// NodeCount returns the total number of metadata rows.
func (s *Store) NodeCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&count)
	return count, err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
