package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/nooterra-labs/settld/pkg/codes"
)

// PostgresStore implements Store on a Postgres database. CommitTx maps to a
// single SQL transaction; the chain-head check runs with FOR UPDATE so
// concurrent appends to the same stream serialize at the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens and pings a Postgres database.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the schema if absent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			event_type TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			actor TEXT NOT NULL,
			payload JSONB NOT NULL,
			prev_chain_hash TEXT,
			chain_hash TEXT NOT NULL,
			signature TEXT,
			key_id TEXT,
			UNIQUE (tenant_id, stream_id, chain_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS events_stream_idx ON events (tenant_id, stream_id, seq)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tenant_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			revision BIGINT NOT NULL,
			last_event_id TEXT NOT NULL,
			last_chain_hash TEXT NOT NULL,
			state JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, stream_id)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			tenant_id TEXT NOT NULL,
			artifact_id TEXT NOT NULL,
			artifact_type TEXT NOT NULL,
			artifact_hash TEXT NOT NULL,
			core JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, artifact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			tenant_id TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			route_binding_hash TEXT NOT NULL,
			body_hash TEXT NOT NULL,
			status INT NOT NULL,
			response BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, idem_key, route_binding_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			tenant_id TEXT NOT NULL,
			entry_id TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			memo TEXT,
			postings JSONB NOT NULL,
			PRIMARY KEY (tenant_id, entry_id)
		)`,
		`CREATE TABLE IF NOT EXISTS holds (
			tenant_id TEXT NOT NULL,
			hold_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			gate_id TEXT,
			amount_cents BIGINT NOT NULL,
			currency TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, hold_id)
		)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			tenant_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			available_cents BIGINT NOT NULL,
			escrow_locked_cents BIGINT NOT NULL,
			currency TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS grants (
			tenant_id TEXT NOT NULL,
			grant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			grant_hash TEXT NOT NULL,
			doc JSONB NOT NULL,
			status TEXT NOT NULL,
			PRIMARY KEY (tenant_id, grant_id)
		)`,
		`CREATE INDEX IF NOT EXISTS grants_hash_idx ON grants (tenant_id, grant_hash)`,
		`CREATE TABLE IF NOT EXISTS rail_events (
			tenant_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			doc JSONB NOT NULL,
			PRIMARY KEY (tenant_id, provider_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS triage (
			tenant_id TEXT NOT NULL,
			triage_key TEXT NOT NULL,
			doc JSONB NOT NULL,
			status TEXT NOT NULL,
			PRIMARY KEY (tenant_id, triage_key)
		)`,
		`CREATE TABLE IF NOT EXISTS exposures (
			tenant_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			party_id TEXT NOT NULL,
			period TEXT NOT NULL,
			outstanding_cents BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, provider_id, party_id, period)
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			source TEXT NOT NULL,
			doc JSONB NOT NULL,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			tenant_id TEXT NOT NULL,
			delivery_id TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL,
			PRIMARY KEY (tenant_id, delivery_id)
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			worker_kind TEXT NOT NULL,
			shard TEXT NOT NULL,
			owner TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (worker_kind, shard)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// CommitTx applies the op list inside one SQL transaction.
func (s *PostgresStore) CommitTx(ctx context.Context, tx Tx) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	for i := range tx.Ops {
		if err = s.applyOp(ctx, sqlTx, &tx.Ops[i]); err != nil {
			return err
		}
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) applyOp(ctx context.Context, tx *sql.Tx, op *Op) error {
	switch op.Kind {
	case OpEventAppend:
		ev := op.Event
		var headHash sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT chain_hash FROM events WHERE tenant_id=$1 AND stream_id=$2 ORDER BY seq DESC LIMIT 1 FOR UPDATE`,
			ev.TenantID, ev.StreamID).Scan(&headHash)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if ev.PrevChainHash != nil {
				return codes.New(codes.Conflict, http.StatusConflict, "prevChainHash set on empty stream")
			}
		case err != nil:
			return fmt.Errorf("head query: %w", err)
		default:
			if ev.PrevChainHash == nil || *ev.PrevChainHash != headHash.String {
				return codes.New(codes.Conflict, http.StatusConflict, "prevChainHash does not match stream head").
					WithDetails(map[string]any{"expectedPrevChainHash": headHash.String})
			}
		}
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (tenant_id, stream_id, event_id, kind, event_type, at, actor, payload, prev_chain_hash, chain_hash, signature, key_id)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			ev.TenantID, ev.StreamID, ev.ID, ev.Kind, ev.Type, ev.At, ev.Actor, payload,
			ev.PrevChainHash, ev.ChainHash, nullable(ev.Signature), nullable(ev.KeyID))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	case OpSnapshotUpsert:
		sn := op.Snapshot
		_, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (tenant_id, stream_id, kind, revision, last_event_id, last_chain_hash, state, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			 ON CONFLICT (tenant_id, stream_id) DO UPDATE SET
			   revision=EXCLUDED.revision, last_event_id=EXCLUDED.last_event_id,
			   last_chain_hash=EXCLUDED.last_chain_hash, state=EXCLUDED.state, updated_at=EXCLUDED.updated_at`,
			sn.TenantID, sn.StreamID, sn.Kind, sn.Revision, sn.LastEventID, sn.LastChainHash, []byte(sn.State), sn.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
	case OpArtifactPut:
		a := op.Artifact
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT artifact_hash FROM artifacts WHERE tenant_id=$1 AND artifact_id=$2`,
			a.TenantID, a.ArtifactID).Scan(&existing)
		if err == nil {
			if existing != a.ArtifactHash {
				return codes.Newf(codes.ArtifactImmutable, http.StatusConflict,
					"artifact %s already stored with different hash", a.ArtifactID)
			}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("artifact lookup: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO artifacts (tenant_id, artifact_id, artifact_type, artifact_hash, core, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			a.TenantID, a.ArtifactID, a.ArtifactType, a.ArtifactHash, []byte(a.Core), a.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
	case OpLedgerEntryAppend:
		e := op.LedgerEntry
		if err := balanceEntry(e); err != nil {
			return err
		}
		postings, err := json.Marshal(e.Postings)
		if err != nil {
			return fmt.Errorf("marshal postings: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (tenant_id, entry_id, at, memo, postings) VALUES ($1,$2,$3,$4,$5)`,
			e.TenantID, e.EntryID, e.At, e.Memo, postings)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	case OpHoldUpsert:
		h := op.Hold
		_, err := tx.ExecContext(ctx,
			`INSERT INTO holds (tenant_id, hold_id, agent_id, gate_id, amount_cents, currency, state, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			 ON CONFLICT (tenant_id, hold_id) DO UPDATE SET state=EXCLUDED.state, updated_at=EXCLUDED.updated_at`,
			h.TenantID, h.HoldID, h.AgentID, h.GateID, h.AmountCents, h.Currency, h.State, h.CreatedAt, h.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert hold: %w", err)
		}
	case OpWalletUpsert:
		w := op.Wallet
		_, err := tx.ExecContext(ctx,
			`INSERT INTO wallets (tenant_id, agent_id, available_cents, escrow_locked_cents, currency, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6)
			 ON CONFLICT (tenant_id, agent_id) DO UPDATE SET
			   available_cents=EXCLUDED.available_cents, escrow_locked_cents=EXCLUDED.escrow_locked_cents,
			   currency=EXCLUDED.currency, updated_at=EXCLUDED.updated_at`,
			w.TenantID, w.AgentID, w.AvailableCents, w.EscrowLockedCents, w.Currency, w.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert wallet: %w", err)
		}
	case OpGrantUpsert:
		g := op.Grant
		doc, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("marshal grant: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO grants (tenant_id, grant_id, kind, grant_hash, doc, status) VALUES ($1,$2,$3,$4,$5,$6)
			 ON CONFLICT (tenant_id, grant_id) DO UPDATE SET doc=EXCLUDED.doc, status=EXCLUDED.status`,
			g.TenantID, g.GrantID, g.Kind, g.GrantHash, doc, g.Status)
		if err != nil {
			return fmt.Errorf("upsert grant: %w", err)
		}
	case OpIdempotencyPut:
		r := op.Idempotency
		_, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency (tenant_id, idem_key, route_binding_hash, body_hash, status, response, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT DO NOTHING`,
			r.TenantID, r.Key, r.RouteBindingHash, r.BodyHash, r.Status, r.Response, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert idempotency: %w", err)
		}
	case OpRailEventPut:
		re := op.RailEvent
		doc, err := json.Marshal(re)
		if err != nil {
			return fmt.Errorf("marshal rail event: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rail_events (tenant_id, provider_id, event_id, doc) VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING`,
			re.TenantID, re.ProviderID, re.EventID, doc)
		if err != nil {
			return fmt.Errorf("insert rail event: %w", err)
		}
	case OpTriageUpsert:
		ti := op.Triage
		doc, err := json.Marshal(ti)
		if err != nil {
			return fmt.Errorf("marshal triage: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO triage (tenant_id, triage_key, doc, status) VALUES ($1,$2,$3,$4)
			 ON CONFLICT (tenant_id, triage_key) DO UPDATE SET doc=EXCLUDED.doc, status=EXCLUDED.status`,
			ti.TenantID, ti.TriageKey, doc, ti.Status)
		if err != nil {
			return fmt.Errorf("upsert triage: %w", err)
		}
	case OpExposureUpsert:
		e := op.Exposure
		_, err := tx.ExecContext(ctx,
			`INSERT INTO exposures (tenant_id, provider_id, party_id, period, outstanding_cents, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6)
			 ON CONFLICT (tenant_id, provider_id, party_id, period) DO UPDATE SET
			   outstanding_cents=EXCLUDED.outstanding_cents, updated_at=EXCLUDED.updated_at`,
			e.TenantID, e.ProviderID, e.PartyID, e.Period, e.OutstandingCents, e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert exposure: %w", err)
		}
	case OpDeadLetterUpsert:
		dl := op.DeadLetter
		doc, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("marshal dead letter: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO dead_letters (tenant_id, id, source, doc) VALUES ($1,$2,$3,$4)
			 ON CONFLICT (tenant_id, id) DO UPDATE SET doc=EXCLUDED.doc`,
			dl.TenantID, dl.ID, dl.Source, doc)
		if err != nil {
			return fmt.Errorf("upsert dead letter: %w", err)
		}
	case OpDeliveryUpsert:
		d := op.Delivery
		doc, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal delivery: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO deliveries (tenant_id, delivery_id, status, updated_at, doc) VALUES ($1,$2,$3,$4,$5)
			 ON CONFLICT (tenant_id, delivery_id) DO UPDATE SET
			   status=EXCLUDED.status, updated_at=EXCLUDED.updated_at, doc=EXCLUDED.doc`,
			d.TenantID, d.DeliveryID, d.Status, d.UpdatedAt, doc)
		if err != nil {
			return fmt.Errorf("upsert delivery: %w", err)
		}
	default:
		return codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "unknown op kind %q", op.Kind)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const eventColumns = `event_id, tenant_id, stream_id, kind, event_type, at, actor, payload, prev_chain_hash, chain_hash, signature, key_id`

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var ev Event
	var payload []byte
	var prev, sig, keyID sql.NullString
	if err := row.Scan(&ev.ID, &ev.TenantID, &ev.StreamID, &ev.Kind, &ev.Type, &ev.At, &ev.Actor,
		&payload, &prev, &ev.ChainHash, &sig, &keyID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &ev.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if prev.Valid {
		ev.PrevChainHash = &prev.String
	}
	ev.Signature = sig.String
	ev.KeyID = keyID.String
	return &ev, nil
}

func (s *PostgresStore) HeadEvent(ctx context.Context, tenantID, streamID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE tenant_id=$1 AND stream_id=$2 ORDER BY seq DESC LIMIT 1`,
		tenantID, streamID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (s *PostgresStore) ListEvents(ctx context.Context, tenantID, streamID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE tenant_id=$1 AND stream_id=$2 ORDER BY seq ASC`,
		tenantID, streamID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, tenantID, streamID string) (*Snapshot, error) {
	var sn Snapshot
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, stream_id, kind, revision, last_event_id, last_chain_hash, state, updated_at
		 FROM snapshots WHERE tenant_id=$1 AND stream_id=$2`, tenantID, streamID).
		Scan(&sn.TenantID, &sn.StreamID, &sn.Kind, &sn.Revision, &sn.LastEventID, &sn.LastChainHash, &state, &sn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	sn.State = state
	return &sn, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, tenantID, kind string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, stream_id, kind, revision, last_event_id, last_chain_hash, state, updated_at
		 FROM snapshots WHERE tenant_id=$1 AND ($2='' OR kind=$2) ORDER BY stream_id ASC`, tenantID, kind)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var sn Snapshot
		var state []byte
		if err := rows.Scan(&sn.TenantID, &sn.StreamID, &sn.Kind, &sn.Revision, &sn.LastEventID,
			&sn.LastChainHash, &state, &sn.UpdatedAt); err != nil {
			return nil, err
		}
		sn.State = state
		out = append(out, sn)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetArtifact(ctx context.Context, tenantID, artifactID string) (*Artifact, error) {
	var a Artifact
	var core []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, artifact_id, artifact_type, artifact_hash, core, created_at
		 FROM artifacts WHERE tenant_id=$1 AND artifact_id=$2`, tenantID, artifactID).
		Scan(&a.TenantID, &a.ArtifactID, &a.ArtifactType, &a.ArtifactHash, &core, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	a.Core = core
	return &a, nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, tenantID, artifactType string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, artifact_id, artifact_type, artifact_hash, core, created_at
		 FROM artifacts WHERE tenant_id=$1 AND ($2='' OR artifact_type=$2) ORDER BY artifact_id ASC`,
		tenantID, artifactType)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		var core []byte
		if err := rows.Scan(&a.TenantID, &a.ArtifactID, &a.ArtifactType, &a.ArtifactHash, &core, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Core = core
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetIdempotency(ctx context.Context, tenantID, key, routeBindingHash string) (*Idempotency, error) {
	var r Idempotency
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, idem_key, route_binding_hash, body_hash, status, response, created_at
		 FROM idempotency WHERE tenant_id=$1 AND idem_key=$2 AND route_binding_hash=$3`,
		tenantID, key, routeBindingHash).
		Scan(&r.TenantID, &r.Key, &r.RouteBindingHash, &r.BodyHash, &r.Status, &r.Response, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) DeleteIdempotencyBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE tenant_id=$1 AND created_at < $2`, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete idempotency: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) CountIdempotencyBefore(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM idempotency WHERE tenant_id=$1 AND created_at < $2`, tenantID, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count idempotency: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, tenantID string, from, to time.Time) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, entry_id, at, COALESCE(memo,''), postings
		 FROM ledger_entries WHERE tenant_id=$1 AND at >= $2 AND at < $3 ORDER BY entry_id ASC`,
		tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()
	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var postings []byte
		if err := rows.Scan(&e.TenantID, &e.EntryID, &e.At, &e.Memo, &postings); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(postings, &e.Postings); err != nil {
			return nil, fmt.Errorf("unmarshal postings: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetHold(ctx context.Context, tenantID, holdID string) (*Hold, error) {
	var h Hold
	var gateID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, hold_id, agent_id, gate_id, amount_cents, currency, state, created_at, updated_at
		 FROM holds WHERE tenant_id=$1 AND hold_id=$2`, tenantID, holdID).
		Scan(&h.TenantID, &h.HoldID, &h.AgentID, &gateID, &h.AmountCents, &h.Currency, &h.State, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get hold: %w", err)
	}
	h.GateID = gateID.String
	return &h, nil
}

func (s *PostgresStore) ListHolds(ctx context.Context, tenantID, agentID, state string) ([]Hold, error) {
	if err := validateHoldState(state); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, hold_id, agent_id, gate_id, amount_cents, currency, state, created_at, updated_at
		 FROM holds WHERE tenant_id=$1 AND ($2='' OR agent_id=$2) AND ($3='' OR state=$3) ORDER BY hold_id ASC`,
		tenantID, agentID, state)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	defer rows.Close()
	var out []Hold
	for rows.Next() {
		var h Hold
		var gateID sql.NullString
		if err := rows.Scan(&h.TenantID, &h.HoldID, &h.AgentID, &gateID, &h.AmountCents, &h.Currency,
			&h.State, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.GateID = gateID.String
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetWallet(ctx context.Context, tenantID, agentID string) (*Wallet, error) {
	var w Wallet
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, agent_id, available_cents, escrow_locked_cents, currency, updated_at
		 FROM wallets WHERE tenant_id=$1 AND agent_id=$2`, tenantID, agentID).
		Scan(&w.TenantID, &w.AgentID, &w.AvailableCents, &w.EscrowLockedCents, &w.Currency, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) getGrantWhere(ctx context.Context, where string, args ...any) (*Grant, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM grants WHERE `+where, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	var g Grant
	if err := json.Unmarshal(doc, &g); err != nil {
		return nil, fmt.Errorf("unmarshal grant: %w", err)
	}
	return &g, nil
}

func (s *PostgresStore) GetGrant(ctx context.Context, tenantID, grantID string) (*Grant, error) {
	return s.getGrantWhere(ctx, `tenant_id=$1 AND grant_id=$2`, tenantID, grantID)
}

func (s *PostgresStore) GetGrantByHash(ctx context.Context, tenantID, grantHash string) (*Grant, error) {
	return s.getGrantWhere(ctx, `tenant_id=$1 AND grant_hash=$2`, tenantID, grantHash)
}

func (s *PostgresStore) ListGrants(ctx context.Context, tenantID, kind string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM grants WHERE tenant_id=$1 AND ($2='' OR kind=$2) ORDER BY grant_id ASC`, tenantID, kind)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()
	var out []Grant
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var g Grant
		if err := json.Unmarshal(doc, &g); err != nil {
			return nil, fmt.Errorf("unmarshal grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRailEvent(ctx context.Context, tenantID, providerID, eventID string) (*RailEvent, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM rail_events WHERE tenant_id=$1 AND provider_id=$2 AND event_id=$3`,
		tenantID, providerID, eventID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rail event: %w", err)
	}
	var re RailEvent
	if err := json.Unmarshal(doc, &re); err != nil {
		return nil, fmt.Errorf("unmarshal rail event: %w", err)
	}
	return &re, nil
}

func (s *PostgresStore) ListRailEvents(ctx context.Context, tenantID, providerID string) ([]RailEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM rail_events WHERE tenant_id=$1 AND ($2='' OR provider_id=$2) ORDER BY provider_id, event_id ASC`,
		tenantID, providerID)
	if err != nil {
		return nil, fmt.Errorf("list rail events: %w", err)
	}
	defer rows.Close()
	var out []RailEvent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var re RailEvent
		if err := json.Unmarshal(doc, &re); err != nil {
			return nil, fmt.Errorf("unmarshal rail event: %w", err)
		}
		out = append(out, re)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetExposure(ctx context.Context, tenantID, providerID, partyID, period string) (*ChargebackExposure, error) {
	var e ChargebackExposure
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, provider_id, party_id, period, outstanding_cents, updated_at
		 FROM exposures WHERE tenant_id=$1 AND provider_id=$2 AND party_id=$3 AND period=$4`,
		tenantID, providerID, partyID, period).
		Scan(&e.TenantID, &e.ProviderID, &e.PartyID, &e.Period, &e.OutstandingCents, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get exposure: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) GetTriage(ctx context.Context, tenantID, triageKey string) (*TriageItem, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM triage WHERE tenant_id=$1 AND triage_key=$2`, tenantID, triageKey).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get triage: %w", err)
	}
	var ti TriageItem
	if err := json.Unmarshal(doc, &ti); err != nil {
		return nil, fmt.Errorf("unmarshal triage: %w", err)
	}
	return &ti, nil
}

func (s *PostgresStore) ListTriage(ctx context.Context, tenantID, status string) ([]TriageItem, error) {
	if err := validateTriageStatus(status); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM triage WHERE tenant_id=$1 AND ($2='' OR status=$2) ORDER BY triage_key ASC`, tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("list triage: %w", err)
	}
	defer rows.Close()
	var out []TriageItem
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var ti TriageItem
		if err := json.Unmarshal(doc, &ti); err != nil {
			return nil, fmt.Errorf("unmarshal triage: %w", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, tenantID, id string) (*DeadLetter, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM dead_letters WHERE tenant_id=$1 AND id=$2`, tenantID, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	var dl DeadLetter
	if err := json.Unmarshal(doc, &dl); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	return &dl, nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, tenantID, source string) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM dead_letters WHERE tenant_id=$1 AND ($2='' OR source=$2) ORDER BY id ASC`, tenantID, source)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var dl DeadLetter
		if err := json.Unmarshal(doc, &dl); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, tenantID, status string) ([]Delivery, error) {
	if err := validateDeliveryStatus(status); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM deliveries WHERE tenant_id=$1 AND ($2='' OR status=$2) ORDER BY delivery_id ASC`, tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var d Delivery
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, fmt.Errorf("unmarshal delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteDeliveriesBefore(ctx context.Context, tenantID string, status string, cutoff time.Time) (int, error) {
	if err := validateDeliveryStatus(status); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE tenant_id=$1 AND ($2='' OR status=$2) AND updated_at < $3`,
		tenantID, status, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) CountDeliveriesBefore(ctx context.Context, tenantID string, status string, cutoff time.Time) (int, error) {
	if err := validateDeliveryStatus(status); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE tenant_id=$1 AND ($2='' OR status=$2) AND updated_at < $3`,
		tenantID, status, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) AcquireLease(ctx context.Context, workerKind, shard, owner string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (worker_kind, shard, owner, expires_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (worker_kind, shard) DO UPDATE SET owner=EXCLUDED.owner, expires_at=EXCLUDED.expires_at
		 WHERE leases.owner = EXCLUDED.owner OR leases.expires_at <= $5`,
		workerKind, shard, owner, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, workerKind, shard, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE worker_kind=$1 AND shard=$2 AND owner=$3`, workerKind, shard, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLeases(ctx context.Context) ([]Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_kind, shard, owner, expires_at FROM leases ORDER BY worker_kind, shard`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()
	var out []Lease
	for rows.Next() {
		var l Lease
		if err := rows.Scan(&l.WorkerKind, &l.Shard, &l.Owner, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
