package sink

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/jasonlarkin/qr-live-protocol/internal/domain"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresSink archives payload records, one row per (instance, sequence).
type PostgresSink struct {
	db        *sql.DB
	tableName string
}

func NewPostgresSink(db *sql.DB, table string) (*PostgresSink, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("archive: invalid table name %q", table)
	}
	return &PostgresSink{db: db, tableName: table}, nil
}

func (p *PostgresSink) Name() string { return "postgres" }

// EnsureSchema creates the archive table when it does not exist.
func (p *PostgresSink) EnsureSchema() error {
	_, err := p.db.Exec("CREATE TABLE IF NOT EXISTS " + p.tableName + ` (
	instance_id TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	identity_hash TEXT NOT NULL,
	cid TEXT NOT NULL,
	payload JSONB NOT NULL,
	emitted_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (instance_id, sequence_number)
)`)
	return err
}

func (p *PostgresSink) WriteBatch(records []*domain.Record) error {
	if len(records) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.tableName)
	b.WriteString(" (instance_id, sequence_number, ts, identity_hash, cid, payload, emitted_at) VALUES ")

	args := make([]any, 0, len(records)*7)
	for i, r := range records {
		if i > 0 {
			b.WriteString(",")
		}
		n := len(args)
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7)
		raw, err := r.Payload.JSON()
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		args = append(args,
			r.InstanceID,
			int64(r.Payload.SequenceNumber),
			r.Payload.Timestamp,
			r.Payload.IdentityHash,
			r.CID,
			raw,
			r.EmittedAt,
		)
	}

	b.WriteString(" ON CONFLICT (instance_id, sequence_number) DO NOTHING")

	_, err := p.db.Exec(b.String(), args...)
	return err
}

var _ ports.Sink = (*PostgresSink)(nil)
