package repository

// Schema creates the engine's tables. Definitions are stored as one JSONB
// document per version with the columns the catalog queries by; instance,
// history and approval records are row-per-entity.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id          UUID PRIMARY KEY,
	code        TEXT NOT NULL,
	version     INT NOT NULL,
	status      TEXT NOT NULL,
	tenant_id   TEXT NOT NULL DEFAULT '',
	document    JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (code, version, tenant_id)
);

CREATE TABLE IF NOT EXISTS workflow_instances (
	id               UUID PRIMARY KEY,
	definition_id    UUID NOT NULL REFERENCES workflow_definitions(id),
	current_state_id TEXT NOT NULL,
	status           TEXT NOT NULL,
	record_kind      TEXT NOT NULL,
	record_id        TEXT NOT NULL,
	tenant_id        TEXT NOT NULL DEFAULT '',
	context_data     JSONB NOT NULL DEFAULT '{}',
	started_at       TIMESTAMPTZ NOT NULL,
	started_by       TEXT NOT NULL,
	completed_at     TIMESTAMPTZ,
	completed_by     TEXT NOT NULL DEFAULT '',
	state_entered_at TIMESTAMPTZ NOT NULL,
	state_deadline   TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_record
	ON workflow_instances (record_kind, record_id);
CREATE INDEX IF NOT EXISTS idx_instances_deadline
	ON workflow_instances (status, state_deadline);

CREATE TABLE IF NOT EXISTS workflow_state_history (
	id              UUID PRIMARY KEY,
	instance_id     UUID NOT NULL REFERENCES workflow_instances(id),
	from_state_id   TEXT NOT NULL DEFAULT '',
	to_state_id     TEXT NOT NULL,
	transition_id   TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	notes           TEXT NOT NULL DEFAULT '',
	triggered_by    TEXT NOT NULL,
	time_in_state   BIGINT NOT NULL DEFAULT 0,
	transitioned_at TIMESTAMPTZ NOT NULL,
	checksum        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_instance
	ON workflow_state_history (instance_id, transitioned_at);

CREATE TABLE IF NOT EXISTS workflow_approval_requests (
	id              UUID PRIMARY KEY,
	instance_id     UUID NOT NULL REFERENCES workflow_instances(id),
	transition_id   TEXT NOT NULL,
	status          TEXT NOT NULL,
	requested_by    TEXT NOT NULL,
	requested_at    TIMESTAMPTZ NOT NULL,
	deadline        TIMESTAMPTZ,
	request_notes   TEXT NOT NULL DEFAULT '',
	record_snapshot JSONB,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_instance
	ON workflow_approval_requests (instance_id, status);
CREATE INDEX IF NOT EXISTS idx_approvals_deadline
	ON workflow_approval_requests (status, deadline);

CREATE TABLE IF NOT EXISTS workflow_approval_decisions (
	id            UUID PRIMARY KEY,
	request_id    UUID NOT NULL REFERENCES workflow_approval_requests(id),
	decision      TEXT NOT NULL,
	decided_by    TEXT NOT NULL,
	decided_at    TIMESTAMPTZ NOT NULL,
	comments      TEXT NOT NULL DEFAULT '',
	signature_ref TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_decisions_request
	ON workflow_approval_decisions (request_id, decided_at);
`
