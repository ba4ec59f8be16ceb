package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relayline/frontdesk/pkg/types"
)

// Schema is the SQL DDL for all Frontdesk tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS voice_profiles (
    id       TEXT PRIMARY KEY,
    name     TEXT NOT NULL,
    accent   TEXT NOT NULL DEFAULT '',
    gender   TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL DEFAULT 'elevenlabs'
);

CREATE TABLE IF NOT EXISTS tenants (
    id                    TEXT PRIMARY KEY,
    business_name         TEXT NOT NULL,
    industry              TEXT NOT NULL DEFAULT '',
    region                TEXT NOT NULL DEFAULT '',
    timezone              TEXT NOT NULL DEFAULT 'UTC',
    hours                 JSONB NOT NULL DEFAULT '{}',
    voice_profile_id      TEXT NOT NULL DEFAULT '',
    system_prompt         TEXT NOT NULL DEFAULT '',
    services              JSONB NOT NULL DEFAULT '[]',
    pricing_notes         TEXT NOT NULL DEFAULT '',
    transfer_enabled      BOOLEAN NOT NULL DEFAULT FALSE,
    transfer_number       TEXT NOT NULL DEFAULT '',
    contact_email         TEXT NOT NULL DEFAULT '',
    intro_text            TEXT NOT NULL DEFAULT '',
    trial_minutes         INTEGER NOT NULL DEFAULT 0,
    trial_minutes_used    INTEGER NOT NULL DEFAULT 0,
    paid_plan             BOOLEAN NOT NULL DEFAULT FALSE,
    paid_minutes_included INTEGER NOT NULL DEFAULT 0,
    paid_minutes_used     INTEGER NOT NULL DEFAULT 0,
    billing_customer_id   TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS call_sessions (
    call_sid         TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    caller_number    TEXT NOT NULL DEFAULT '',
    stream_sid       TEXT NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ NOT NULL,
    ended_at         TIMESTAMPTZ,
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'in_progress',
    summary          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_call_sessions_tenant ON call_sessions(tenant_id);

CREATE TABLE IF NOT EXISTS conversation_turns (
    id        BIGSERIAL PRIMARY KEY,
    call_sid  TEXT NOT NULL,
    speaker   TEXT NOT NULL,
    content   TEXT NOT NULL,
    turn_type TEXT NOT NULL,
    spoken_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_turns_call ON conversation_turns(call_sid, spoken_at);

CREATE TABLE IF NOT EXISTS leads (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    call_sid   TEXT NOT NULL,
    name       TEXT NOT NULL DEFAULT '',
    email      TEXT NOT NULL DEFAULT '',
    phone      TEXT NOT NULL DEFAULT '',
    notes      TEXT NOT NULL DEFAULT '',
    source     TEXT NOT NULL DEFAULT 'phone',
    status     TEXT NOT NULL DEFAULT 'new',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_leads_tenant ON leads(tenant_id);

CREATE TABLE IF NOT EXISTS appointments (
    id             TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL,
    call_sid       TEXT NOT NULL,
    customer_name  TEXT NOT NULL,
    customer_phone TEXT NOT NULL DEFAULT '',
    customer_email TEXT NOT NULL DEFAULT '',
    date           TEXT NOT NULL DEFAULT '',
    start_time     TEXT NOT NULL DEFAULT '',
    end_time       TEXT NOT NULL DEFAULT '',
    service        TEXT NOT NULL DEFAULT '',
    notes          TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'pending',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_appointments_tenant ON appointments(tenant_id);

CREATE TABLE IF NOT EXISTS transfer_records (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    call_sid   TEXT NOT NULL,
    number     TEXT NOT NULL DEFAULT '',
    summary    TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transfer_records_tenant ON transfer_records(tenant_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements TenantStore and CallStore backed by PostgreSQL.
// Structured sub-fields (business hours, services) are serialised as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface checks.
var (
	_ TenantStore = (*PostgresStore)(nil)
	_ CallStore   = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating all tables
// and indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// ─── TenantStore ─────────────────────────────────────────────────────────────

// GetTenant retrieves a tenant by id. Returns (nil, nil) if no tenant with the
// given id exists.
func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	const query = `
		SELECT id, business_name, industry, region, timezone, hours,
		       voice_profile_id, system_prompt, services, pricing_notes,
		       transfer_enabled, transfer_number, contact_email, intro_text,
		       trial_minutes, trial_minutes_used, paid_plan,
		       paid_minutes_included, paid_minutes_used, billing_customer_id,
		       created_at, updated_at
		FROM tenants
		WHERE id = $1`

	var t Tenant
	var hoursJSON, servicesJSON []byte

	err := s.db.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.BusinessName, &t.Industry, &t.Region, &t.Timezone, &hoursJSON,
		&t.VoiceProfileID, &t.SystemPrompt, &servicesJSON, &t.PricingNotes,
		&t.TransferEnabled, &t.TransferNumber, &t.ContactEmail, &t.IntroText,
		&t.TrialMinutes, &t.TrialMinutesUsed, &t.PaidPlan,
		&t.PaidMinutesIncluded, &t.PaidMinutesUsed, &t.BillingCustomerID,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get tenant %q: %w", id, err)
	}

	if err := json.Unmarshal(hoursJSON, &t.Hours); err != nil {
		return nil, fmt.Errorf("store: unmarshal hours: %w", err)
	}
	if err := json.Unmarshal(servicesJSON, &t.Services); err != nil {
		return nil, fmt.Errorf("store: unmarshal services: %w", err)
	}
	return &t, nil
}

// GetVoiceProfile retrieves a voice profile by id. Returns (nil, nil) if not
// found.
func (s *PostgresStore) GetVoiceProfile(ctx context.Context, id string) (*types.VoiceProfile, error) {
	const query = `SELECT id, name, accent, gender, provider FROM voice_profiles WHERE id = $1`

	var v types.VoiceProfile
	err := s.db.QueryRow(ctx, query, id).Scan(&v.ID, &v.Name, &v.Accent, &v.Gender, &v.Provider)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get voice profile %q: %w", id, err)
	}
	return &v, nil
}

// AddTrialMinutes increments trial_minutes_used by minutes. The increment runs
// in the store so concurrent finalisers never lose updates.
func (s *PostgresStore) AddTrialMinutes(ctx context.Context, tenantID string, minutes int) error {
	const query = `
		UPDATE tenants
		SET trial_minutes_used = trial_minutes_used + $2, updated_at = now()
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, tenantID, minutes)
	if err != nil {
		return fmt.Errorf("store: add trial minutes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: tenant %q not found", tenantID)
	}
	return nil
}

// AddPaidMinutes increments paid_minutes_used by minutes and returns the new
// total.
func (s *PostgresStore) AddPaidMinutes(ctx context.Context, tenantID string, minutes int) (int, error) {
	const query = `
		UPDATE tenants
		SET paid_minutes_used = paid_minutes_used + $2, updated_at = now()
		WHERE id = $1
		RETURNING paid_minutes_used`

	var total int
	err := s.db.QueryRow(ctx, query, tenantID, minutes).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("store: tenant %q not found", tenantID)
		}
		return 0, fmt.Errorf("store: add paid minutes: %w", err)
	}
	return total, nil
}

// ─── CallStore ───────────────────────────────────────────────────────────────

// UpsertSession creates or replaces the call session keyed by CallSID.
func (s *PostgresStore) UpsertSession(ctx context.Context, sess *CallSession) error {
	const query = `
		INSERT INTO call_sessions (
			call_sid, tenant_id, caller_number, stream_sid,
			started_at, ended_at, duration_seconds, status, summary
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (call_sid) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			caller_number = EXCLUDED.caller_number,
			stream_sid = EXCLUDED.stream_sid,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			duration_seconds = EXCLUDED.duration_seconds,
			status = EXCLUDED.status,
			summary = EXCLUDED.summary`

	var endedAt any
	if !sess.EndedAt.IsZero() {
		endedAt = sess.EndedAt
	}
	_, err := s.db.Exec(ctx, query,
		sess.CallSID, sess.TenantID, sess.CallerNumber, sess.StreamSID,
		sess.StartedAt, endedAt, sess.DurationSeconds, sess.Status, sess.Summary,
	)
	if err != nil {
		return fmt.Errorf("store: upsert session %q: %w", sess.CallSID, err)
	}
	return nil
}

// AppendTurns appends conversation turns to the call's log.
func (s *PostgresStore) AppendTurns(ctx context.Context, callSID string, turns []types.Turn) error {
	const query = `
		INSERT INTO conversation_turns (call_sid, speaker, content, turn_type, spoken_at)
		VALUES ($1,$2,$3,$4,$5)`

	for _, turn := range turns {
		if _, err := s.db.Exec(ctx, query,
			callSID, string(turn.Speaker), turn.Content, string(turn.Type), turn.Timestamp,
		); err != nil {
			return fmt.Errorf("store: append turn for %q: %w", callSID, err)
		}
	}
	return nil
}

// InsertLead persists a lead, assigning an id if the caller left it empty.
func (s *PostgresStore) InsertLead(ctx context.Context, lead *Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.Source == "" {
		lead.Source = "phone"
	}
	if lead.Status == "" {
		lead.Status = "new"
	}

	const query = `
		INSERT INTO leads (id, tenant_id, call_sid, name, email, phone, notes, source, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`

	err := s.db.QueryRow(ctx, query,
		lead.ID, lead.TenantID, lead.CallSID,
		lead.Name, lead.Email, lead.Phone, lead.Notes, lead.Source, lead.Status,
	).Scan(&lead.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: lead %q already exists", lead.ID)
		}
		return fmt.Errorf("store: insert lead: %w", err)
	}
	return nil
}

// InsertAppointment persists an appointment, assigning an id if empty.
func (s *PostgresStore) InsertAppointment(ctx context.Context, appt *Appointment) error {
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO appointments (
			id, tenant_id, call_sid, customer_name, customer_phone, customer_email,
			date, start_time, end_time, service, notes, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at`

	err := s.db.QueryRow(ctx, query,
		appt.ID, appt.TenantID, appt.CallSID,
		appt.CustomerName, appt.CustomerPhone, appt.CustomerEmail,
		appt.Date, appt.StartTime, appt.EndTime, appt.Service, appt.Notes, appt.Status,
	).Scan(&appt.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: appointment %q already exists", appt.ID)
		}
		return fmt.Errorf("store: insert appointment: %w", err)
	}
	return nil
}

// InsertTransfer persists a transfer record, assigning an id if empty.
func (s *PostgresStore) InsertTransfer(ctx context.Context, rec *TransferRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO transfer_records (id, tenant_id, call_sid, number, summary, status, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`

	err := s.db.QueryRow(ctx, query,
		rec.ID, rec.TenantID, rec.CallSID, rec.Number, rec.Summary, rec.Status, rec.Reason,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert transfer: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
