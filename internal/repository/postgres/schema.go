package postgres

import (
	"context"
	"fmt"
)

// schema — минимальная схема для локального запуска и интеграционных тестов.
// В проде индексами и жизненным циклом таблиц управляют миграции вне сервиса.
const schema = `
CREATE TABLE IF NOT EXISTS policies (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	strategy         TEXT NOT NULL,
	type             TEXT NOT NULL,
	origin_source    TEXT NOT NULL,
	origin_target    TEXT NOT NULL,
	url_source       TEXT NOT NULL,
	url_target       TEXT NOT NULL,
	created          BIGINT NOT NULL,
	expired          BIGINT NOT NULL DEFAULT 0,
	verify_fn        TEXT NOT NULL,
	verify_fn_output BOOLEAN NOT NULL,
	duration         BIGINT NOT NULL,
	extra_args       JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS links (
	id            TEXT PRIMARY KEY,
	origin_source TEXT NOT NULL,
	origin_target TEXT NOT NULL,
	url_source    TEXT NOT NULL,
	url_target    TEXT NOT NULL,
	from_client   BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS links_url_source_idx ON links (url_source);

CREATE TABLE IF NOT EXISTS verifications (
	id              BIGSERIAL PRIMARY KEY,
	ts              BIGINT NOT NULL,
	expires         BIGINT NOT NULL,
	policy_id       TEXT NOT NULL,
	link_id         TEXT NOT NULL,
	origin_source   TEXT NOT NULL,
	origin_target   TEXT NOT NULL,
	url_source      TEXT NOT NULL,
	url_target      TEXT NOT NULL,
	output_expected BOOLEAN NOT NULL,
	output_actual   BOOLEAN,
	success         BOOLEAN,
	error           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS verifications_group_idx ON verifications (link_id, policy_id, ts DESC);

CREATE TABLE IF NOT EXISTS policy_link_states (
	id        TEXT PRIMARY KEY,
	policy_id TEXT NOT NULL,
	link_id   TEXT NOT NULL,
	vals      JSONB NOT NULL DEFAULT '{}'
);
`

// Migrate создает таблицы, если их еще нет.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
