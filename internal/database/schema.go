package database

// schemaStatements is the full dev schema. Money columns are
// NUMERIC(12,6): exact to a tenth of a millicent, which is the
// granularity LLM metering bills at.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sponsors (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		email TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL DEFAULT 'sponsor',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		sponsor_id UUID NOT NULL REFERENCES sponsors(id) ON DELETE CASCADE,
		name TEXT NOT NULL DEFAULT '',
		key_hash TEXT NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		sponsor_id UUID NOT NULL REFERENCES sponsors(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		agent_type TEXT NOT NULL DEFAULT 'api_agent',
		status TEXT NOT NULL DEFAULT 'active',
		trust_score DOUBLE PRECISION NOT NULL DEFAULT 50,
		identity_fingerprint TEXT NOT NULL UNIQUE,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_sponsor ON agents(sponsor_id)`,

	`CREATE TABLE IF NOT EXISTS agent_permissions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		agent_id UUID NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		service_name TEXT NOT NULL,
		allowed_actions TEXT[] NOT NULL DEFAULT '{}',
		max_requests_per_hour INTEGER NOT NULL DEFAULT 100,
		time_window_start TEXT NOT NULL DEFAULT '00:00',
		time_window_end TEXT NOT NULL DEFAULT '23:59',
		max_records_per_request INTEGER NOT NULL DEFAULT 100,
		requires_hitl BOOLEAN NOT NULL DEFAULT FALSE,
		custom_policy TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (agent_id, service_name)
	)`,

	`CREATE TABLE IF NOT EXISTS micro_wallets (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		agent_id UUID NOT NULL UNIQUE REFERENCES agents(id) ON DELETE CASCADE,
		balance_usd NUMERIC(12,6) NOT NULL DEFAULT 0,
		daily_limit_usd NUMERIC(12,6) NOT NULL DEFAULT 10,
		monthly_limit_usd NUMERIC(12,6) NOT NULL DEFAULT 200,
		spent_today_usd NUMERIC(12,6) NOT NULL DEFAULT 0,
		spent_this_month_usd NUMERIC(12,6) NOT NULL DEFAULT 0,
		last_reset_daily TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_reset_monthly TIMESTAMPTZ NOT NULL DEFAULT now(),
		is_frozen BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS wallet_transactions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		wallet_id UUID NOT NULL REFERENCES micro_wallets(id) ON DELETE CASCADE,
		amount_usd NUMERIC(12,6) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		service_name TEXT NOT NULL DEFAULT '',
		action_type TEXT NOT NULL DEFAULT 'api_call',
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_tx_wallet_ts ON wallet_transactions(wallet_id, timestamp)`,

	`CREATE TABLE IF NOT EXISTS secret_vault (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		sponsor_id UUID NOT NULL REFERENCES sponsors(id) ON DELETE CASCADE,
		service_name TEXT NOT NULL,
		encrypted_secret TEXT NOT NULL,
		secret_type TEXT NOT NULL DEFAULT 'api_key',
		rotation_interval_hours INTEGER NOT NULL DEFAULT 0,
		last_rotated_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (sponsor_id, service_name)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		log_hash TEXT NOT NULL UNIQUE,
		previous_hash TEXT NOT NULL,
		agent_id UUID NOT NULL,
		sponsor_id UUID NOT NULL,
		action_type TEXT NOT NULL,
		service_name TEXT NOT NULL,
		prompt_snippet TEXT NOT NULL DEFAULT '',
		model_used TEXT NOT NULL DEFAULT '',
		permission_granted BOOLEAN NOT NULL,
		policy_evaluation JSONB,
		cost_usd NUMERIC(12,6) NOT NULL DEFAULT 0,
		response_code INTEGER NOT NULL DEFAULT 0,
		ip_address TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		metadata JSONB,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		tsa_token BYTEA,
		exported_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_agent_ts ON audit_logs(agent_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_sponsor_ts ON audit_logs(sponsor_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_unexported ON audit_logs(id) WHERE exported_at IS NULL`,

	// Append-only enforcement. tsa_token and exported_at are the only
	// columns the forensic exporter is allowed to fill in later.
	`CREATE OR REPLACE FUNCTION protect_audit_logs() RETURNS trigger AS $$
	BEGIN
		IF TG_OP = 'DELETE' THEN
			RAISE EXCEPTION 'audit_logs rows cannot be deleted';
		END IF;
		IF NEW.id IS DISTINCT FROM OLD.id
			OR NEW.log_hash IS DISTINCT FROM OLD.log_hash
			OR NEW.previous_hash IS DISTINCT FROM OLD.previous_hash
			OR NEW.agent_id IS DISTINCT FROM OLD.agent_id
			OR NEW.sponsor_id IS DISTINCT FROM OLD.sponsor_id
			OR NEW.action_type IS DISTINCT FROM OLD.action_type
			OR NEW.service_name IS DISTINCT FROM OLD.service_name
			OR NEW.prompt_snippet IS DISTINCT FROM OLD.prompt_snippet
			OR NEW.model_used IS DISTINCT FROM OLD.model_used
			OR NEW.permission_granted IS DISTINCT FROM OLD.permission_granted
			OR NEW.policy_evaluation IS DISTINCT FROM OLD.policy_evaluation
			OR NEW.cost_usd IS DISTINCT FROM OLD.cost_usd
			OR NEW.response_code IS DISTINCT FROM OLD.response_code
			OR NEW.ip_address IS DISTINCT FROM OLD.ip_address
			OR NEW.duration_ms IS DISTINCT FROM OLD.duration_ms
			OR NEW.metadata IS DISTINCT FROM OLD.metadata
			OR NEW.timestamp IS DISTINCT FROM OLD.timestamp
		THEN
			RAISE EXCEPTION 'audit_logs rows are immutable';
		END IF;
		RETURN NEW;
	END $$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS audit_logs_immutable ON audit_logs`,
	`CREATE TRIGGER audit_logs_immutable
		BEFORE UPDATE OR DELETE ON audit_logs
		FOR EACH ROW EXECUTE FUNCTION protect_audit_logs()`,

	`CREATE TABLE IF NOT EXISTS immutable_exports (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		batch_hash TEXT NOT NULL,
		from_id BIGINT NOT NULL,
		to_id BIGINT NOT NULL,
		record_count INTEGER NOT NULL,
		storage_url TEXT NOT NULL,
		tsa_token BYTEA,
		exported_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS hitl_requests (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		agent_id UUID NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		sponsor_id UUID NOT NULL REFERENCES sponsors(id) ON DELETE CASCADE,
		action_description TEXT NOT NULL,
		action_payload JSONB,
		estimated_cost_usd NUMERIC(12,6) NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		decided_by TEXT NOT NULL DEFAULT '',
		decision_note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		decided_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hitl_status ON hitl_requests(status, expires_at)`,

	`CREATE TABLE IF NOT EXISTS behavior_profiles (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		agent_id UUID NOT NULL UNIQUE REFERENCES agents(id) ON DELETE CASCADE,
		typical_services TEXT[] NOT NULL DEFAULT '{}',
		typical_hours JSONB NOT NULL DEFAULT '{}'::jsonb,
		avg_requests_per_hour DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_cost_per_action DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS state_snapshots (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		agent_id UUID NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		audit_log_id BIGINT NOT NULL DEFAULT 0,
		snapshot_data JSONB NOT NULL,
		rollback_instructions JSONB NOT NULL,
		is_rolled_back BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		rolled_back_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_agent ON state_snapshots(agent_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		sponsor_id UUID NOT NULL REFERENCES sponsors(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		secret TEXT NOT NULL DEFAULT '',
		event_types TEXT[] NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		failure_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
