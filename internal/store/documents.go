// Package store is the server's store of record for document state: a
// snapshot row plus an append-only update log per document, with optional
// archival of compacted snapshots to object storage.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"syncroom/internal/crdt"
)

type Documents struct {
	db      *sql.DB
	archive *Archive // nil when archival is not configured
}

func NewDocuments(db *sql.DB, archive *Archive) *Documents {
	return &Documents{db: db, archive: archive}
}

func (s *Documents) DB() *sql.DB {
	return s.db
}

// LoadState returns the persisted state for a document with the update log
// folded in, or (nil, nil) when nothing has been persisted yet.
func (s *Documents) LoadState(ctx context.Context, docID string) (*crdt.State, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM documents WHERE id = $1`, docID).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load document %s: %w", docID, err)
	}

	var state *crdt.State
	if raw != nil {
		state, err = crdt.DecodeState(raw)
		if err != nil {
			return nil, fmt.Errorf("decode document %s: %w", docID, err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT block FROM document_updates WHERE doc_id = $1 ORDER BY seq`, docID)
	if err != nil {
		return nil, fmt.Errorf("load updates %s: %w", docID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var encoded []byte
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("scan update %s: %w", docID, err)
		}
		block, err := crdt.DecodeBlock(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode update %s: %w", docID, err)
		}
		if state == nil {
			state = crdt.NewState()
		}
		state.Merge(block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates %s: %w", docID, err)
	}

	return state, nil
}

// SaveState upserts the document snapshot and trims the update log it
// supersedes. The merged state subsumes every logged block, so trimming
// loses nothing.
func (s *Documents) SaveState(ctx context.Context, docID string, state []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save %s: %w", docID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()
	`, docID, state); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert document %s: %w", docID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_updates WHERE doc_id = $1`, docID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("trim updates %s: %w", docID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save %s: %w", docID, err)
	}

	if s.archive != nil {
		if err := s.archive.Put(ctx, docID, time.Now(), state); err != nil {
			// Archival is best-effort; the snapshot row is authoritative.
			log.Printf("snapshot archive failed doc=%s: %v", docID, err)
		}
	}
	return nil
}

// AppendUpdate appends one opaque update block to the document's log.
func (s *Documents) AppendUpdate(ctx context.Context, docID string, block []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO document_updates (doc_id, block) VALUES ($1, $2)`, docID, block); err != nil {
		return fmt.Errorf("append update %s: %w", docID, err)
	}
	return nil
}

// PendingUpdates reports how many logged blocks a document has accumulated
// since its last snapshot.
func (s *Documents) PendingUpdates(ctx context.Context, docID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_updates WHERE doc_id = $1`, docID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count updates %s: %w", docID, err)
	}
	return n, nil
}

// Compact folds long update logs back into snapshot rows. Documents with at
// least threshold logged blocks are re-snapshotted and their logs trimmed.
func (s *Documents) Compact(ctx context.Context, threshold int) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id FROM document_updates
		GROUP BY doc_id HAVING COUNT(*) >= $1
	`, threshold)
	if err != nil {
		return 0, fmt.Errorf("find compactable documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan compactable id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate compactable ids: %w", err)
	}

	compacted := 0
	for _, id := range ids {
		state, err := s.LoadState(ctx, id)
		if err != nil {
			log.Printf("compact load failed doc=%s: %v", id, err)
			continue
		}
		if state == nil {
			continue
		}
		if err := s.SaveState(ctx, id, state.Encode()); err != nil {
			log.Printf("compact save failed doc=%s: %v", id, err)
			continue
		}
		compacted++
	}
	return compacted, nil
}

// Ping checks database connectivity.
func (s *Documents) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
