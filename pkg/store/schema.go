package store

// schema is applied on every Open. Triggers hold the store-level invariants:
// events are append-only, job status only moves forward and freezes once
// terminal, tenant ownership never changes, and a sent delivery is final.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	pack TEXT NOT NULL,
	agent TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	input_json TEXT NOT NULL,
	output_json TEXT,
	error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	step TEXT NOT NULL,
	status TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_job ON events(tenant_id, job_id, seq);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	url TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_job ON webhook_deliveries(tenant_id, job_id);

CREATE TRIGGER IF NOT EXISTS events_no_update BEFORE UPDATE ON events
BEGIN
	SELECT RAISE(ABORT, 'events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS events_no_delete BEFORE DELETE ON events
BEGIN
	SELECT RAISE(ABORT, 'events are append-only');
END;

CREATE TRIGGER IF NOT EXISTS jobs_status_forward BEFORE UPDATE OF status ON jobs
WHEN OLD.status IN ('succeeded', 'failed')
	OR (OLD.status = 'running' AND NEW.status = 'queued')
BEGIN
	SELECT RAISE(ABORT, 'job status transition not allowed');
END;

CREATE TRIGGER IF NOT EXISTS jobs_tenant_fixed BEFORE UPDATE OF tenant_id ON jobs
WHEN NEW.tenant_id IS NOT OLD.tenant_id
BEGIN
	SELECT RAISE(ABORT, 'job tenant is immutable');
END;

CREATE TRIGGER IF NOT EXISTS deliveries_forward BEFORE UPDATE ON webhook_deliveries
WHEN OLD.status = 'sent'
	OR NEW.attempts < OLD.attempts
	OR NEW.tenant_id IS NOT OLD.tenant_id
BEGIN
	SELECT RAISE(ABORT, 'delivery transition not allowed');
END;
`
