package sqlite

const schema = `
-- Queue items table
CREATE TABLE IF NOT EXISTS queue_items (
    id TEXT PRIMARY KEY,
    -- Insertion order; drives per-entity application order
    position INTEGER NOT NULL,
    entity_kind TEXT NOT NULL,
    action TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    priority_label TEXT NOT NULL DEFAULT '',
    priority_score INTEGER NOT NULL DEFAULT 0 CHECK(priority_score >= 0 AND priority_score <= 100),
    priority_reason TEXT NOT NULL DEFAULT '',
    manual_override TEXT,
    estimated_sync_time DATETIME,
    created_at DATETIME NOT NULL,
    last_attempt_at DATETIME,
    retry_count INTEGER NOT NULL DEFAULT 0 CHECK(retry_count >= 0),
    last_error TEXT NOT NULL DEFAULT '',
    blocked_by TEXT NOT NULL DEFAULT '',
    max_retries INTEGER NOT NULL DEFAULT 0,
    next_attempt_at DATETIME,
    -- Lease bookkeeping; an entity's items are worked by one owner at a time
    lease_owner TEXT NOT NULL DEFAULT '',
    lease_expires_at DATETIME,
    -- Compare-and-set counter, bumped on every update
    version INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_position ON queue_items(position);
CREATE INDEX IF NOT EXISTS idx_queue_items_entity ON queue_items(entity_kind, entity_id);
CREATE INDEX IF NOT EXISTS idx_queue_items_score ON queue_items(priority_score DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_queue_items_lease ON queue_items(lease_expires_at);

-- Priority rules table
CREATE TABLE IF NOT EXISTS priority_rules (
    id TEXT PRIMARY KEY,
    -- Insertion order; drives stable reason composition
    position INTEGER NOT NULL,
    name TEXT NOT NULL CHECK(length(name) <= 200),
    entity_kind TEXT NOT NULL,
    conditions TEXT NOT NULL DEFAULT '[]',
    score_modifier INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    created_by TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_priority_rules_position ON priority_rules(position);
CREATE INDEX IF NOT EXISTS idx_priority_rules_kind ON priority_rules(entity_kind, active);

-- Conflicts table (audit trail is an append-only JSON array)
CREATE TABLE IF NOT EXISTS conflicts (
    id TEXT PRIMARY KEY,
    entity_kind TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    local_version TEXT NOT NULL DEFAULT '{}',
    server_version TEXT NOT NULL DEFAULT '{}',
    conflict_fields TEXT NOT NULL DEFAULT '[]',
    detected_at DATETIME NOT NULL,
    detected_by TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'PENDING',
    resolution_strategy TEXT NOT NULL DEFAULT '',
    resolved_by TEXT NOT NULL DEFAULT '',
    resolved_at DATETIME,
    justification TEXT NOT NULL DEFAULT '',
    audit_trail TEXT NOT NULL DEFAULT '[]',
    queue_item_id TEXT NOT NULL DEFAULT '',
    archived_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);
CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(entity_kind, entity_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_detected_at ON conflicts(detected_at);

-- Metadata table (internal state: request ids, override idempotence keys)
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
