package database

// Each migration is applied once, in order, and records its own version.
var migrations = []string{
	`
BEGIN;

CREATE TABLE migrations (
    version int primary key not null,
    created timestamp with time zone not null
);

CREATE TABLE run (
    id uuid primary key not null,
    kind varchar not null,
    variant varchar not null,
    repository varchar not null,
    ref varchar not null,
    sha varchar not null,
    pull_request int not null default 0,
    environment varchar not null,
    version varchar not null default '',
    destroy boolean not null default false,
    created timestamp with time zone not null,
    finished timestamp with time zone null,
    state varchar not null,
    status varchar null,
    partial boolean not null default false,
    image varchar null,
    url varchar null,
    error_kind varchar null,
    error_stage varchar null,
    error_message text null
);

CREATE INDEX run_environment_created_idx ON run (environment, created DESC);

CREATE TABLE run_status (
    id uuid primary key not null,
    run_id uuid not null,
    from_state varchar not null,
    to_state varchar not null,
    message text not null,
    created timestamp with time zone not null,
    CONSTRAINT fk_run
        FOREIGN KEY (run_id)
            REFERENCES run (id)
            ON DELETE CASCADE
);

CREATE INDEX run_status_run_id_idx ON run_status (run_id);

INSERT INTO migrations (version, created) VALUES (1, now());

COMMIT;
`,
	`
BEGIN;

ALTER TABLE run ADD COLUMN trace_id varchar not null default '';

INSERT INTO migrations (version, created) VALUES (2, now());

COMMIT;
`,
	`
BEGIN;

ALTER TABLE run ADD COLUMN error_exit_status int null;
ALTER TABLE run ADD COLUMN error_hint text null;
ALTER TABLE run ADD COLUMN applied text[] null;
ALTER TABLE run ADD COLUMN unapplied text[] null;

INSERT INTO migrations (version, created) VALUES (3, now());

COMMIT;
`,
}
