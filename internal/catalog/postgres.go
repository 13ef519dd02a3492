package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Catalog over the web UI's relational schema.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pgx pool to the catalog database.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) GetProber(ctx context.Context, name string) (Prober, error) {
	var prober Prober
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, key, added FROM prober WHERE name = $1`, name,
	).Scan(&prober.ID, &prober.Name, &prober.Key, &prober.Added)
	if errors.Is(err, pgx.ErrNoRows) {
		return Prober{}, fmt.Errorf("%w: prober %q", ErrNotFound, name)
	}
	if err != nil {
		return Prober{}, fmt.Errorf("get prober %q: %w", name, err)
	}
	return prober, nil
}

func (p *Postgres) TargetsFor(ctx context.Context, proberName string) ([]Target, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT t.id, t.name, COALESCE(t.description, ''), t.ip, t.type, t.port
		FROM prober_target t
		JOIN probegroup_targets gt ON gt.target_id = t.id
		JOIN probegroup_probers gp ON gp.probegroup_id = gt.probegroup_id
		JOIN prober p ON p.id = gp.prober_id
		WHERE p.name = $1
		ORDER BY t.id`, proberName)
	if err != nil {
		return nil, fmt.Errorf("targets for %q: %w", proberName, err)
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.IP, &t.Kind, &t.Port); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (p *Postgres) Pairs(ctx context.Context) ([]Pair, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT s.id, p.name, s.dst
		FROM src_dst s
		JOIN prober p ON p.id = s.prober_id
		ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("pairs: %w", err)
	}
	defer rows.Close()

	var pairs []Pair
	for rows.Next() {
		var pair Pair
		if err := rows.Scan(&pair.ID, &pair.ProberName, &pair.DstIP); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

// GetUnread marks unread control messages read and returns them in posting
// order. The update and read happen in one statement so concurrent pollers
// never hand out the same message twice.
func (p *Postgres) GetUnread(ctx context.Context) ([]ControlMessage, error) {
	rows, err := p.pool.Query(ctx, `
		WITH updated AS (
			UPDATE collector_message SET read = TRUE
			WHERE read = FALSE
			RETURNING id, kind, posted)
		SELECT id, kind, posted FROM updated
		ORDER BY posted, id`)
	if err != nil {
		return nil, fmt.Errorf("get unread control messages: %w", err)
	}
	defer rows.Close()

	var messages []ControlMessage
	for rows.Next() {
		var m ControlMessage
		var kind string
		if err := rows.Scan(&m.ID, &kind, &m.Posted); err != nil {
			return nil, fmt.Errorf("scan control message: %w", err)
		}
		m.Kind = MessageKind(kind)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
