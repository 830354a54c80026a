package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent atom storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create memory db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process engine. Use one shared connection to avoid writer
	// lock contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_atoms (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			type TEXT NOT NULL,
			statement TEXT NOT NULL,
			conflict_key TEXT NOT NULL DEFAULT '',
			importance REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			durability TEXT NOT NULL DEFAULT 'durable',
			status TEXT NOT NULL,
			valid_from_ms INTEGER NOT NULL DEFAULT 0,
			valid_to_ms INTEGER NOT NULL DEFAULT 0,
			ttl_days INTEGER NOT NULL DEFAULT 0,
			entities_json TEXT NOT NULL DEFAULT '[]',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_atoms_project_idx ON memory_atoms(project_id, status, type, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS memory_atoms_conflict_idx ON memory_atoms(project_id, conflict_key, status);`,
		`CREATE TABLE IF NOT EXISTS memory_versions (
			id TEXT PRIMARY KEY,
			atom_id TEXT NOT NULL,
			version_num INTEGER NOT NULL,
			statement TEXT NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS memory_versions_unique ON memory_versions(atom_id, version_num);`,
		`CREATE TABLE IF NOT EXISTS memory_edges (
			id TEXT PRIMARY KEY,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			relation TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS memory_edges_unique ON memory_edges(from_id, to_id, relation);`,
		`CREATE INDEX IF NOT EXISTS memory_edges_from_idx ON memory_edges(from_id, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS evidence_chunks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			source TEXT NOT NULL,
			source_ref TEXT NOT NULL DEFAULT '',
			chunk_text TEXT NOT NULL,
			embedding_json TEXT NOT NULL DEFAULT '[]',
			chunk_index INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS evidence_chunks_project_idx ON evidence_chunks(project_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS evidence_links (
			id TEXT PRIMARY KEY,
			atom_id TEXT NOT NULL,
			evidence_id TEXT NOT NULL,
			quote TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS evidence_links_atom_idx ON evidence_links(atom_id, created_at_ms, id);`,
		`CREATE TABLE IF NOT EXISTS ops_log (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			op TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			entity_kind TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			extra_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS ops_log_project_idx ON ops_log(project_id, created_at_ms DESC, id DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeStrings(vals []string) string {
	if len(vals) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func insertOpTx(ctx context.Context, tx *sql.Tx, op OpsEntry) error {
	if op.ID == "" {
		op.ID = "op-" + uuid.NewString()
	}
	if op.CreatedAtMS == 0 {
		op.CreatedAtMS = nowMS()
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO ops_log(id, project_id, op, entity_id, entity_kind, message, extra_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.ProjectID, string(op.Op), op.EntityID, op.EntityKind, op.Message, encodeMap(op.Extra), op.CreatedAtMS)
	return err
}

func (s *SQLiteStore) CreateAtom(ctx context.Context, atom Atom, initial Version) (Atom, error) {
	now := nowMS()
	if atom.ID == "" {
		atom.ID = "mem-" + uuid.NewString()
	}
	if atom.Status == "" {
		atom.Status = StatusActive
	}
	if atom.Durability == "" {
		atom.Durability = DurabilityDurable
	}
	if atom.CreatedAtMS == 0 {
		atom.CreatedAtMS = now
	}
	if atom.UpdatedAtMS == 0 {
		atom.UpdatedAtMS = atom.CreatedAtMS
	}
	if initial.ID == "" {
		initial.ID = "ver-" + uuid.NewString()
	}
	if initial.Author == "" {
		initial.Author = AuthorUser
	}
	if initial.CreatedAtMS == 0 {
		initial.CreatedAtMS = atom.CreatedAtMS
	}
	initial.AtomID = atom.ID
	initial.Number = 1
	// The canonical statement is always the latest version's statement.
	atom.Statement = initial.Statement

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Atom{}, fmt.Errorf("create atom begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_atoms(id, project_id, type, statement, conflict_key, importance, confidence, durability, status, valid_from_ms, valid_to_ms, ttl_days, entities_json, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		atom.ID, atom.ProjectID, string(atom.Type), atom.Statement, atom.ConflictKey,
		atom.Importance, atom.Confidence, string(atom.Durability), string(atom.Status),
		atom.ValidFromMS, atom.ValidToMS, atom.TTLDays, encodeStrings(atom.Entities),
		atom.CreatedAtMS, atom.UpdatedAtMS); err != nil {
		return Atom{}, fmt.Errorf("create atom insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_versions(id, atom_id, version_num, statement, rationale, author, created_at_ms)
VALUES(?, ?, 1, ?, ?, ?, ?)`,
		initial.ID, initial.AtomID, initial.Statement, initial.Rationale, initial.Author, initial.CreatedAtMS); err != nil {
		return Atom{}, fmt.Errorf("create atom initial version: %w", err)
	}

	if err := insertOpTx(ctx, tx, OpsEntry{
		ProjectID:   atom.ProjectID,
		Op:          OpMemoryCreate,
		EntityID:    atom.ID,
		EntityKind:  "atom",
		Message:     atom.Statement,
		Extra:       map[string]string{"type": string(atom.Type)},
		CreatedAtMS: atom.CreatedAtMS,
	}); err != nil {
		return Atom{}, fmt.Errorf("create atom ops log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Atom{}, fmt.Errorf("create atom commit: %w", err)
	}
	return atom, nil
}

func (s *SQLiteStore) GetAtom(ctx context.Context, id string) (Atom, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, project_id, type, statement, conflict_key, importance, confidence, durability, status, valid_from_ms, valid_to_ms, ttl_days, entities_json, created_at_ms, updated_at_ms
FROM memory_atoms WHERE id = ?`, id)
	atom, err := scanAtomRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Atom{}, ErrNotFound
		}
		return Atom{}, fmt.Errorf("get atom: %w", err)
	}
	return atom, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAtomRow(row rowScanner) (Atom, error) {
	var a Atom
	var typ, durability, status, entitiesRaw string
	if err := row.Scan(&a.ID, &a.ProjectID, &typ, &a.Statement, &a.ConflictKey, &a.Importance, &a.Confidence, &durability, &status, &a.ValidFromMS, &a.ValidToMS, &a.TTLDays, &entitiesRaw, &a.CreatedAtMS, &a.UpdatedAtMS); err != nil {
		return Atom{}, err
	}
	a.Type = MemoryType(typ)
	a.Durability = Durability(durability)
	a.Status = Status(status)
	a.Entities = decodeStrings(entitiesRaw)
	return a, nil
}

func (s *SQLiteStore) AppendVersion(ctx context.Context, atomID, statement, rationale, author string) (Version, error) {
	if author == "" {
		author = AuthorUser
	}
	now := nowMS()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("append version begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var projectID string
	if err := tx.QueryRowContext(ctx, `SELECT project_id FROM memory_atoms WHERE id = ?`, atomID).Scan(&projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Version{}, ErrNotFound
		}
		return Version{}, fmt.Errorf("append version lookup atom: %w", err)
	}

	var maxNum int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_num), 0) FROM memory_versions WHERE atom_id = ?`, atomID).Scan(&maxNum); err != nil {
		return Version{}, fmt.Errorf("append version max num: %w", err)
	}

	v := Version{
		ID:          "ver-" + uuid.NewString(),
		AtomID:      atomID,
		Number:      maxNum + 1,
		Statement:   statement,
		Rationale:   rationale,
		Author:      author,
		CreatedAtMS: now,
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_versions(id, atom_id, version_num, statement, rationale, author, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.AtomID, v.Number, v.Statement, v.Rationale, v.Author, v.CreatedAtMS); err != nil {
		return Version{}, fmt.Errorf("append version insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE memory_atoms SET statement = ?, updated_at_ms = ? WHERE id = ?`, statement, now, atomID); err != nil {
		return Version{}, fmt.Errorf("append version update canonical: %w", err)
	}

	if err := insertOpTx(ctx, tx, OpsEntry{
		ProjectID:   projectID,
		Op:          OpMemoryUpdate,
		EntityID:    atomID,
		EntityKind:  "atom",
		Message:     statement,
		Extra:       map[string]string{"version": fmt.Sprintf("%d", v.Number), "author": author},
		CreatedAtMS: now,
	}); err != nil {
		return Version{}, fmt.Errorf("append version ops log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("append version commit: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, atomID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, atom_id, version_num, statement, rationale, author, created_at_ms
FROM memory_versions
WHERE atom_id = ?
ORDER BY version_num ASC`, atomID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	out := []Version{}
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.ID, &v.AtomID, &v.Number, &v.Statement, &v.Rationale, &v.Author, &v.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, atomID string, status Status, reason string) error {
	now := nowMS()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set status begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var projectID string
	if err := tx.QueryRowContext(ctx, `SELECT project_id FROM memory_atoms WHERE id = ?`, atomID).Scan(&projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("set status lookup atom: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE memory_atoms SET status = ?, updated_at_ms = ? WHERE id = ?`, string(status), now, atomID); err != nil {
		return fmt.Errorf("set status update: %w", err)
	}

	op := OpMemoryUpdate
	if status == StatusSuperseded {
		op = OpMemorySupersede
	}
	if err := insertOpTx(ctx, tx, OpsEntry{
		ProjectID:   projectID,
		Op:          op,
		EntityID:    atomID,
		EntityKind:  "atom",
		Message:     reason,
		Extra:       map[string]string{"status": string(status)},
		CreatedAtMS: now,
	}); err != nil {
		return fmt.Errorf("set status ops log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set status commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetGovernance(ctx context.Context, atomID string, importance, confidence float64) error {
	now := nowMS()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set governance begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var projectID string
	if err := tx.QueryRowContext(ctx, `SELECT project_id FROM memory_atoms WHERE id = ?`, atomID).Scan(&projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("set governance lookup atom: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE memory_atoms SET importance = ?, confidence = ?, updated_at_ms = ? WHERE id = ?`, importance, confidence, now, atomID); err != nil {
		return fmt.Errorf("set governance update: %w", err)
	}

	if err := insertOpTx(ctx, tx, OpsEntry{
		ProjectID:  projectID,
		Op:         OpMemoryUpdate,
		EntityID:   atomID,
		EntityKind: "atom",
		Message:    "governance updated",
		Extra: map[string]string{
			"importance": fmt.Sprintf("%.3f", importance),
			"confidence": fmt.Sprintf("%.3f", confidence),
		},
		CreatedAtMS: now,
	}); err != nil {
		return fmt.Errorf("set governance ops log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set governance commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddEdge(ctx context.Context, edge Edge) error {
	now := nowMS()
	if edge.ID == "" {
		edge.ID = "edg-" + uuid.NewString()
	}
	if edge.Confidence == 0 {
		edge.Confidence = 1
	}
	if edge.CreatedAtMS == 0 {
		edge.CreatedAtMS = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add edge begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var projectID string
	if err := tx.QueryRowContext(ctx, `SELECT project_id FROM memory_atoms WHERE id = ?`, edge.FromID).Scan(&projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("add edge lookup from atom: %w", err)
	}
	var toExists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM memory_atoms WHERE id = ?`, edge.ToID).Scan(&toExists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("add edge lookup to atom: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO memory_edges(id, from_id, to_id, relation, confidence, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(from_id, to_id, relation) DO NOTHING`,
		edge.ID, edge.FromID, edge.ToID, string(edge.Relation), edge.Confidence, edge.CreatedAtMS)
	if err != nil {
		return fmt.Errorf("add edge insert: %w", err)
	}
	inserted, _ := res.RowsAffected()
	if inserted == 0 {
		// Same (from, to, relation) already linked; nothing to record.
		return tx.Commit()
	}

	if err := insertOpTx(ctx, tx, OpsEntry{
		ProjectID:   projectID,
		Op:          OpMemoryUpdate,
		EntityID:    edge.ID,
		EntityKind:  "edge",
		Message:     string(edge.Relation),
		Extra:       map[string]string{"from": edge.FromID, "to": edge.ToID},
		CreatedAtMS: now,
	}); err != nil {
		return fmt.Errorf("add edge ops log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add edge commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEdgesFrom(ctx context.Context, atomID string, relation Relation) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, from_id, to_id, relation, confidence, created_at_ms
FROM memory_edges
WHERE from_id = ?
AND (? = '' OR relation = ?)
ORDER BY created_at_ms ASC, id ASC`, atomID, string(relation), string(relation))
	if err != nil {
		return nil, fmt.Errorf("list edges from: %w", err)
	}
	defer rows.Close()

	out := []Edge{}
	for rows.Next() {
		var e Edge
		var rel string
		if err := rows.Scan(&e.ID, &e.FromID, &e.ToID, &rel, &e.Confidence, &e.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Relation = Relation(rel)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListAtoms(ctx context.Context, projectID string, statuses []Status, types []MemoryType) ([]Atom, error) {
	var sb strings.Builder
	sb.WriteString(`
SELECT id, project_id, type, statement, conflict_key, importance, confidence, durability, status, valid_from_ms, valid_to_ms, ttl_days, entities_json, created_at_ms, updated_at_ms
FROM memory_atoms
WHERE project_id = ?`)
	args := []any{projectID}

	if len(statuses) > 0 {
		sb.WriteString(` AND status IN (` + placeholders(len(statuses)) + `)`)
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	if len(types) > 0 {
		sb.WriteString(` AND type IN (` + placeholders(len(types)) + `)`)
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	sb.WriteString(` ORDER BY created_at_ms ASC, id ASC`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list atoms: %w", err)
	}
	defer rows.Close()

	return scanAtoms(rows)
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT project_id FROM memory_atoms ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListAtomsByConflictKey(ctx context.Context, projectID, conflictKey, excludeID string) ([]Atom, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, type, statement, conflict_key, importance, confidence, durability, status, valid_from_ms, valid_to_ms, ttl_days, entities_json, created_at_ms, updated_at_ms
FROM memory_atoms
WHERE project_id = ?
AND conflict_key = ?
AND conflict_key <> ''
AND id <> ?
AND status IN (?, ?)
ORDER BY created_at_ms ASC, id ASC`,
		projectID, conflictKey, excludeID, string(StatusActive), string(StatusDisputed))
	if err != nil {
		return nil, fmt.Errorf("list atoms by conflict key: %w", err)
	}
	defer rows.Close()

	return scanAtoms(rows)
}

func placeholders(n int) string {
	return strings.TrimRight(strings.Repeat("?,", n), ",")
}

func scanAtoms(rows *sql.Rows) ([]Atom, error) {
	out := []Atom{}
	for rows.Next() {
		atom, err := scanAtomRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan atom: %w", err)
		}
		out = append(out, atom)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate atoms: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) PutEvidence(ctx context.Context, ev Evidence) (Evidence, error) {
	if ev.ID == "" {
		ev.ID = "evd-" + uuid.NewString()
	}
	if ev.CreatedAtMS == 0 {
		ev.CreatedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO evidence_chunks(id, project_id, source, source_ref, chunk_text, embedding_json, chunk_index, token_count, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ProjectID, string(ev.Source), ev.SourceRef, ev.Text,
		encodeVector(ev.Embedding), ev.ChunkIndex, ev.TokenCount, ev.CreatedAtMS)
	if err != nil {
		return Evidence{}, fmt.Errorf("put evidence: %w", err)
	}
	return ev, nil
}

func (s *SQLiteStore) GetEvidence(ctx context.Context, id string) (Evidence, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, project_id, source, source_ref, chunk_text, embedding_json, chunk_index, token_count, created_at_ms
FROM evidence_chunks WHERE id = ?`, id)
	ev, err := scanEvidenceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Evidence{}, ErrNotFound
		}
		return Evidence{}, fmt.Errorf("get evidence: %w", err)
	}
	return ev, nil
}

func scanEvidenceRow(row rowScanner) (Evidence, error) {
	var ev Evidence
	var source, embeddingRaw string
	if err := row.Scan(&ev.ID, &ev.ProjectID, &source, &ev.SourceRef, &ev.Text, &embeddingRaw, &ev.ChunkIndex, &ev.TokenCount, &ev.CreatedAtMS); err != nil {
		return Evidence{}, err
	}
	ev.Source = SourceType(source)
	ev.Embedding = decodeVector(embeddingRaw)
	return ev, nil
}

func (s *SQLiteStore) LinkEvidence(ctx context.Context, link EvidenceLink) error {
	if link.ID == "" {
		link.ID = "lnk-" + uuid.NewString()
	}
	if link.CreatedAtMS == 0 {
		link.CreatedAtMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO evidence_links(id, atom_id, evidence_id, quote, confidence, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`,
		link.ID, link.AtomID, link.EvidenceID, link.Quote, link.Confidence, link.CreatedAtMS)
	if err != nil {
		return fmt.Errorf("link evidence: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvidenceLinks(ctx context.Context, atomID string) ([]EvidenceLink, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, atom_id, evidence_id, quote, confidence, created_at_ms
FROM evidence_links
WHERE atom_id = ?
ORDER BY created_at_ms ASC, id ASC`, atomID)
	if err != nil {
		return nil, fmt.Errorf("list evidence links: %w", err)
	}
	defer rows.Close()

	out := []EvidenceLink{}
	for rows.Next() {
		var l EvidenceLink
		if err := rows.Scan(&l.ID, &l.AtomID, &l.EvidenceID, &l.Quote, &l.Confidence, &l.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan evidence link: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence links: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListAtomEvidence(ctx context.Context, atomID string) ([]Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT e.id, e.project_id, e.source, e.source_ref, e.chunk_text, e.embedding_json, e.chunk_index, e.token_count, e.created_at_ms
FROM evidence_links l
JOIN evidence_chunks e ON e.id = l.evidence_id
WHERE l.atom_id = ?
ORDER BY l.created_at_ms ASC, l.id ASC`, atomID)
	if err != nil {
		return nil, fmt.Errorf("list atom evidence: %w", err)
	}
	defer rows.Close()

	out := []Evidence{}
	for rows.Next() {
		ev, err := scanEvidenceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan atom evidence: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate atom evidence: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendOp(ctx context.Context, op OpsEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append op begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertOpTx(ctx, tx, op); err != nil {
		return fmt.Errorf("append op: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append op commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListOps(ctx context.Context, projectID string, limit int) ([]OpsEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, op, entity_id, entity_kind, message, extra_json, created_at_ms
FROM ops_log
WHERE project_id = ?
ORDER BY created_at_ms DESC, id DESC
LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ops: %w", err)
	}
	defer rows.Close()

	out := []OpsEntry{}
	for rows.Next() {
		var op OpsEntry
		var opType, extraRaw string
		if err := rows.Scan(&op.ID, &op.ProjectID, &opType, &op.EntityID, &op.EntityKind, &op.Message, &extraRaw, &op.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("scan ops entry: %w", err)
		}
		op.Op = OpType(opType)
		op.Extra = decodeMap(extraRaw)
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ops: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, projectID string, atMS int64) (int, error) {
	if atMS == 0 {
		atMS = nowMS()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sweep expired begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// A valid_to at or before creation is a retrospective bound marking the
	// period the statement covers (compaction milestones); only
	// forward-looking windows expire.
	const dayMS = int64(24 * 60 * 60 * 1000)
	rows, err := tx.QueryContext(ctx, `
SELECT id FROM memory_atoms
WHERE project_id = ?
AND status IN (?, ?)
AND (
	(ttl_days > 0 AND created_at_ms + ttl_days * ? <= ?)
	OR (valid_to_ms > created_at_ms AND valid_to_ms <= ?)
)`,
		projectID, string(StatusActive), string(StatusDisputed), dayMS, atMS, atMS)
	if err != nil {
		return 0, fmt.Errorf("sweep expired select: %w", err)
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sweep expired scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("sweep expired iterate: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
UPDATE memory_atoms SET status = ?, updated_at_ms = ? WHERE id = ?`, string(StatusExpired), atMS, id); err != nil {
			return 0, fmt.Errorf("sweep expired update %s: %w", id, err)
		}
		if err := insertOpTx(ctx, tx, OpsEntry{
			ProjectID:   projectID,
			Op:          OpMemoryUpdate,
			EntityID:    id,
			EntityKind:  "atom",
			Message:     "expired",
			Extra:       map[string]string{"status": string(StatusExpired)},
			CreatedAtMS: atMS,
		}); err != nil {
			return 0, fmt.Errorf("sweep expired ops log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sweep expired commit: %w", err)
	}
	return len(ids), nil
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete project begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DELETE FROM memory_versions WHERE atom_id IN (SELECT id FROM memory_atoms WHERE project_id = ?)`,
		`DELETE FROM memory_edges WHERE from_id IN (SELECT id FROM memory_atoms WHERE project_id = ?)
			OR to_id IN (SELECT id FROM memory_atoms WHERE project_id = ?)`,
		`DELETE FROM evidence_links WHERE atom_id IN (SELECT id FROM memory_atoms WHERE project_id = ?)`,
		`DELETE FROM evidence_chunks WHERE project_id = ?`,
		`DELETE FROM memory_atoms WHERE project_id = ?`,
		`DELETE FROM ops_log WHERE project_id = ?`,
	}
	for _, stmt := range stmts {
		args := []any{projectID}
		if strings.Count(stmt, "?") == 2 {
			args = append(args, projectID)
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("delete project on %q: %w", trimSQL(stmt), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete project commit: %w", err)
	}
	return nil
}
