package mysql

// MySQL dialect of the caravan schema. Differences from the sqlite form:
// position columns are AUTO_INCREMENT (the server assigns insertion order),
// TEXT columns carry no defaults (every insert provides all columns), and
// `key` needs backticks.
const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
    id VARCHAR(64) PRIMARY KEY,
    position BIGINT NOT NULL AUTO_INCREMENT,
    entity_kind VARCHAR(32) NOT NULL,
    action VARCHAR(16) NOT NULL,
    entity_id VARCHAR(128) NOT NULL,
    payload MEDIUMTEXT NOT NULL,
    priority_label VARCHAR(16) NOT NULL DEFAULT '',
    priority_score INT NOT NULL DEFAULT 0 CHECK(priority_score >= 0 AND priority_score <= 100),
    priority_reason TEXT NOT NULL,
    manual_override TEXT,
    estimated_sync_time DATETIME(6),
    created_at DATETIME(6) NOT NULL,
    last_attempt_at DATETIME(6),
    retry_count INT NOT NULL DEFAULT 0 CHECK(retry_count >= 0),
    last_error TEXT NOT NULL,
    blocked_by VARCHAR(64) NOT NULL DEFAULT '',
    max_retries INT NOT NULL DEFAULT 0,
    next_attempt_at DATETIME(6),
    lease_owner VARCHAR(128) NOT NULL DEFAULT '',
    lease_expires_at DATETIME(6),
    version BIGINT NOT NULL DEFAULT 1,
    UNIQUE KEY idx_queue_items_position (position),
    KEY idx_queue_items_entity (entity_kind, entity_id),
    KEY idx_queue_items_score (priority_score DESC, created_at),
    KEY idx_queue_items_lease (lease_expires_at)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS priority_rules (
    id VARCHAR(64) PRIMARY KEY,
    position BIGINT NOT NULL AUTO_INCREMENT,
    name VARCHAR(200) NOT NULL,
    entity_kind VARCHAR(32) NOT NULL,
    conditions MEDIUMTEXT NOT NULL,
    score_modifier INT NOT NULL DEFAULT 0,
    active TINYINT(1) NOT NULL DEFAULT 1,
    created_by VARCHAR(128) NOT NULL DEFAULT '',
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    UNIQUE KEY idx_priority_rules_position (position),
    KEY idx_priority_rules_kind (entity_kind, active)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS conflicts (
    id VARCHAR(64) PRIMARY KEY,
    entity_kind VARCHAR(32) NOT NULL,
    entity_id VARCHAR(128) NOT NULL,
    type VARCHAR(32) NOT NULL,
    severity VARCHAR(16) NOT NULL,
    local_version MEDIUMTEXT NOT NULL,
    server_version MEDIUMTEXT NOT NULL,
    conflict_fields TEXT NOT NULL,
    detected_at DATETIME(6) NOT NULL,
    detected_by VARCHAR(128) NOT NULL DEFAULT '',
    status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
    resolution_strategy VARCHAR(16) NOT NULL DEFAULT '',
    resolved_by VARCHAR(128) NOT NULL DEFAULT '',
    resolved_at DATETIME(6),
    justification TEXT NOT NULL,
    audit_trail MEDIUMTEXT NOT NULL,
    queue_item_id VARCHAR(64) NOT NULL DEFAULT '',
    archived_at DATETIME(6),
    KEY idx_conflicts_status (status),
    KEY idx_conflicts_entity (entity_kind, entity_id),
    KEY idx_conflicts_detected_at (detected_at)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS metadata (
    ` + "`key`" + ` VARCHAR(191) PRIMARY KEY,
    ` + "`value`" + ` TEXT NOT NULL
) ENGINE=InnoDB;
`
