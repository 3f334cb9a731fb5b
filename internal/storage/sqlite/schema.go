package sqlite

// Schema creates all tables, indexes, FTS5 virtual tables, and the
// triggers that keep the FTS indexes in sync. Every statement is
// idempotent so the schema can be applied on every open.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
    id               TEXT PRIMARY KEY,
    owner_id         TEXT NOT NULL,
    session_id       TEXT,
    kind             TEXT NOT NULL,
    content          TEXT NOT NULL,
    embedding        BLOB,
    dimension        INTEGER NOT NULL DEFAULT 0,
    importance       REAL NOT NULL DEFAULT 0.5,
    access_count     INTEGER NOT NULL DEFAULT 0,
    last_accessed_at TIMESTAMP,
    created_at       TIMESTAMP NOT NULL,
    updated_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_owner_kind
    ON memories(owner_id, kind);
CREATE INDEX IF NOT EXISTS idx_memories_owner_importance
    ON memories(owner_id, importance);
CREATE INDEX IF NOT EXISTS idx_memories_owner_session
    ON memories(owner_id, session_id);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
    content,
    content='memories',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
    INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content)
    VALUES ('delete', old.rowid, old.content);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE OF content ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content)
    VALUES ('delete', old.rowid, old.content);
    INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TABLE IF NOT EXISTS decisions (
    id            TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL,
    session_id    TEXT,
    project_path  TEXT,
    title         TEXT NOT NULL,
    description   TEXT,
    rationale     TEXT,
    alternatives  TEXT,
    status        TEXT NOT NULL DEFAULT 'active',
    superseded_by TEXT,
    embedding     BLOB,
    dimension     INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_owner_project
    ON decisions(owner_id, project_path, status);

CREATE TABLE IF NOT EXISTS lessons (
    id           TEXT PRIMARY KEY,
    owner_id     TEXT NOT NULL,
    session_id   TEXT,
    mistake      TEXT NOT NULL,
    correction   TEXT,
    prevention   TEXT,
    severity     TEXT NOT NULL DEFAULT 'medium',
    occurrences  INTEGER NOT NULL DEFAULT 1,
    last_seen_at TIMESTAMP,
    embedding    BLOB,
    dimension    INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMP NOT NULL,
    updated_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lessons_owner_severity
    ON lessons(owner_id, severity);

CREATE VIRTUAL TABLE IF NOT EXISTS lessons_fts USING fts5(
    mistake,
    correction,
    prevention,
    content='lessons',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS lessons_fts_insert AFTER INSERT ON lessons BEGIN
    INSERT INTO lessons_fts(rowid, mistake, correction, prevention)
    VALUES (new.rowid, new.mistake, new.correction, new.prevention);
END;

CREATE TRIGGER IF NOT EXISTS lessons_fts_delete AFTER DELETE ON lessons BEGIN
    INSERT INTO lessons_fts(lessons_fts, rowid, mistake, correction, prevention)
    VALUES ('delete', old.rowid, old.mistake, old.correction, old.prevention);
END;

CREATE TRIGGER IF NOT EXISTS lessons_fts_update AFTER UPDATE ON lessons BEGIN
    INSERT INTO lessons_fts(lessons_fts, rowid, mistake, correction, prevention)
    VALUES ('delete', old.rowid, old.mistake, old.correction, old.prevention);
    INSERT INTO lessons_fts(rowid, mistake, correction, prevention)
    VALUES (new.rowid, new.mistake, new.correction, new.prevention);
END;

CREATE TABLE IF NOT EXISTS trajectories (
    id                   TEXT PRIMARY KEY,
    owner_id             TEXT NOT NULL,
    session_id           TEXT,
    agent_id             TEXT,
    task_type            TEXT NOT NULL,
    initial_state        TEXT,
    actions              TEXT,
    outcome              TEXT NOT NULL DEFAULT 'pending',
    reward               REAL NOT NULL DEFAULT 0,
    duration_ms          INTEGER NOT NULL DEFAULT 0,
    tool_count           INTEGER NOT NULL DEFAULT 0,
    error_count          INTEGER NOT NULL DEFAULT 0,
    switch_count         INTEGER NOT NULL DEFAULT 0,
    similarity_hash      TEXT,
    replay_count         INTEGER NOT NULL DEFAULT 0,
    confidence           REAL NOT NULL DEFAULT 0,
    success_after_replay INTEGER,
    embedding            BLOB,
    dimension            INTEGER NOT NULL DEFAULT 0,
    created_at           TIMESTAMP NOT NULL,
    completed_at         TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_trajectories_owner_task
    ON trajectories(owner_id, task_type, outcome);
CREATE INDEX IF NOT EXISTS idx_trajectories_similarity_hash
    ON trajectories(similarity_hash);
`
