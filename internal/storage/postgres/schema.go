package postgres

// Schema is the base DDL for the postgres backend. All statements are
// idempotent so it can be applied on every startup. Embeddings are stored
// twice: a portable BYTEA blob that always round-trips, and the
// vector_migration column below when pgvector is installed.
//
// Lexical search runs on generated tsvector columns, so no trigger
// maintenance is needed.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
    id               TEXT PRIMARY KEY,
    owner_id         TEXT NOT NULL,
    session_id       TEXT,
    kind             TEXT NOT NULL,
    content          TEXT NOT NULL,
    embedding        BYTEA,
    dimension        INTEGER NOT NULL DEFAULT 0,
    importance       DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    access_count     INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL,
    content_tsv      tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
);

CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner_id);
CREATE INDEX IF NOT EXISTS idx_memories_owner_session ON memories(owner_id, session_id);
CREATE INDEX IF NOT EXISTS idx_memories_owner_importance ON memories(owner_id, importance);
CREATE INDEX IF NOT EXISTS idx_memories_tsv ON memories USING GIN (content_tsv);

CREATE TABLE IF NOT EXISTS decisions (
    id            TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL,
    session_id    TEXT,
    project_path  TEXT,
    title         TEXT NOT NULL,
    description   TEXT NOT NULL,
    rationale     TEXT,
    alternatives  TEXT,
    status        TEXT NOT NULL DEFAULT 'active',
    superseded_by TEXT,
    embedding     BYTEA,
    dimension     INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_owner_project
    ON decisions(owner_id, project_path, status);

CREATE TABLE IF NOT EXISTS lessons (
    id           TEXT PRIMARY KEY,
    owner_id     TEXT NOT NULL,
    session_id   TEXT,
    mistake      TEXT NOT NULL,
    correction   TEXT NOT NULL,
    prevention   TEXT,
    severity     TEXT NOT NULL DEFAULT 'medium',
    occurrences  INTEGER NOT NULL DEFAULT 1,
    last_seen_at TIMESTAMPTZ,
    embedding    BYTEA,
    dimension    INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    lesson_tsv   tsvector GENERATED ALWAYS AS (
        to_tsvector('english', mistake || ' ' || correction || ' ' || coalesce(prevention, ''))
    ) STORED
);

CREATE INDEX IF NOT EXISTS idx_lessons_owner_severity ON lessons(owner_id, severity);
CREATE INDEX IF NOT EXISTS idx_lessons_tsv ON lessons USING GIN (lesson_tsv);

CREATE TABLE IF NOT EXISTS trajectories (
    id                   TEXT PRIMARY KEY,
    owner_id             TEXT NOT NULL,
    session_id           TEXT,
    agent_id             TEXT,
    task_type            TEXT NOT NULL,
    initial_state        JSONB,
    actions              JSONB,
    outcome              TEXT NOT NULL DEFAULT 'pending',
    reward               DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_ms          BIGINT NOT NULL DEFAULT 0,
    tool_count           INTEGER NOT NULL DEFAULT 0,
    error_count          INTEGER NOT NULL DEFAULT 0,
    switch_count         INTEGER NOT NULL DEFAULT 0,
    similarity_hash      TEXT,
    replay_count         INTEGER NOT NULL DEFAULT 0,
    confidence           DOUBLE PRECISION NOT NULL DEFAULT 0,
    success_after_replay BOOLEAN,
    embedding            BYTEA,
    dimension            INTEGER NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL,
    completed_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_trajectories_owner_task
    ON trajectories(owner_id, task_type, outcome);
CREATE INDEX IF NOT EXISTS idx_trajectories_similarity_hash
    ON trajectories(similarity_hash);
`

// MigrationVector adds pgvector columns for indexed similarity search.
// Applied only when the vector extension is installed; the columns are
// untyped (no fixed dimension) so one deployment can switch embedding
// models without a schema change.
const MigrationVector = `
ALTER TABLE memories ADD COLUMN IF NOT EXISTS embedding_vec vector;
ALTER TABLE lessons ADD COLUMN IF NOT EXISTS embedding_vec vector;
ALTER TABLE trajectories ADD COLUMN IF NOT EXISTS embedding_vec vector;
`
