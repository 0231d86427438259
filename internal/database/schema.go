package database

// Schema contains the SQL statements bootstrapped on startup.
const Schema = `
-- cursor_history: insert-only log of firehose cursor checkpoints. The
-- latest row (highest id) is the resume point after a restart. Kept as
-- history rather than a single updated row so a crash mid-write never
-- loses the previous valid checkpoint.
CREATE TABLE IF NOT EXISTS cursor_history (
    id         BIGSERIAL PRIMARY KEY,
    cursor     BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- devices: one row per registered push-notification device. did is the
-- AT Protocol account the device belongs to; device_token is opaque to
-- this service and only meaningful to the push gateway.
CREATE TABLE IF NOT EXISTS devices (
    id           UUID PRIMARY KEY,
    did          VARCHAR(255) NOT NULL,
    device_token VARCHAR(512) UNIQUE NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_devices_did ON devices(did);

-- notification_preferences: per-device opt-in/out flags, one row per
-- device, created with defaults (all enabled) on registration.
CREATE TABLE IF NOT EXISTS notification_preferences (
    device_id       UUID PRIMARY KEY REFERENCES devices(id) ON DELETE CASCADE,
    mentions        BOOLEAN NOT NULL DEFAULT TRUE,
    replies         BOOLEAN NOT NULL DEFAULT TRUE,
    likes           BOOLEAN NOT NULL DEFAULT TRUE,
    reposts         BOOLEAN NOT NULL DEFAULT TRUE,
    quotes          BOOLEAN NOT NULL DEFAULT TRUE,
    follows         BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- handle_cache: persistent tier of the handle resolver's two-tier cache.
CREATE TABLE IF NOT EXISTS handle_cache (
    did        VARCHAR(255) PRIMARY KEY,
    handle     VARCHAR(255) NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);

-- post_cache: persistent tier of the post resolver's two-tier cache.
CREATE TABLE IF NOT EXISTS post_cache (
    uri        VARCHAR(512) PRIMARY KEY,
    text       TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);

-- mutes / blocks: plaintext relationship storage, used when
-- USE_HASHED_RELATIONSHIPS is unset.
CREATE TABLE IF NOT EXISTS mutes (
    user_did   VARCHAR(255) NOT NULL,
    target_did VARCHAR(255) NOT NULL,
    PRIMARY KEY (user_did, target_did)
);

CREATE TABLE IF NOT EXISTS blocks (
    user_did   VARCHAR(255) NOT NULL,
    target_did VARCHAR(255) NOT NULL,
    PRIMARY KEY (user_did, target_did)
);

-- mutes_hashed / blocks_hashed: privacy-preserving relationship storage,
-- used when USE_HASHED_RELATIONSHIPS is set. target_hash is
-- SHA-256(target_did || user_did || server_secret) so the same target
-- hashes differently per user and the plaintext target is never stored.
CREATE TABLE IF NOT EXISTS mutes_hashed (
    user_did    VARCHAR(255) NOT NULL,
    target_hash CHAR(64) NOT NULL,
    PRIMARY KEY (user_did, target_hash)
);

CREATE TABLE IF NOT EXISTS blocks_hashed (
    user_did    VARCHAR(255) NOT NULL,
    target_hash CHAR(64) NOT NULL,
    PRIMARY KEY (user_did, target_hash)
);

-- relationship_audit_log: append-only record of every relationship
-- mutation, independent of storage mode. details carries either the
-- full target list (single-relationship edits) or counts (batch edits).
CREATE TABLE IF NOT EXISTS relationship_audit_log (
    id         BIGSERIAL PRIMARY KEY,
    user_did   VARCHAR(255) NOT NULL,
    action     VARCHAR(32) NOT NULL,
    details    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
