package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tg-relay-bot/internal/domain"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sent_records (
	key TEXT PRIMARY KEY,
	url TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	title_normalized TEXT NOT NULL DEFAULT '',
	source_id TEXT NOT NULL DEFAULT '',
	justification TEXT NOT NULL DEFAULT '',
	sent_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sent_records_sent_at_idx ON sent_records (sent_at);
`

// PostgresJournal хранит историю отправок в таблице sent_records.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

var _ domain.SentJournal = (*PostgresJournal)(nil)

// NewPostgresJournal создаёт журнал.
func NewPostgresJournal(pool *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{pool: pool}
}

// Close закрывает пул соединений.
func (p *PostgresJournal) Close() {
	p.pool.Close()
}

func (p *PostgresJournal) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// EnsureSchema создаёт таблицу, если её нет.
func (p *PostgresJournal) EnsureSchema(ctx context.Context) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("создание схемы sent_records: %w", err)
	}
	return nil
}

// SaveSent добавляет или обновляет запись.
func (p *PostgresJournal) SaveSent(ctx context.Context, rec domain.SentRecord, _ time.Duration) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
INSERT INTO sent_records (key, url, title, title_normalized, source_id, justification, sent_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (key) DO UPDATE SET url = EXCLUDED.url, title = EXCLUDED.title, title_normalized = EXCLUDED.title_normalized, source_id = EXCLUDED.source_id, justification = EXCLUDED.justification, sent_at = EXCLUDED.sent_at`,
		rec.Key, rec.URL, rec.Title, rec.TitleNormalized, rec.SourceID, rec.Justification, rec.SentAt.UTC())
	if err != nil {
		return fmt.Errorf("сохранение записи %s: %w", rec.Key, err)
	}
	return nil
}

// LoadSent возвращает записи новее since, от старых к новым.
func (p *PostgresJournal) LoadSent(ctx context.Context, since time.Time) ([]domain.SentRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	rows, err := p.pool.Query(ctx, `
SELECT key, url, title, title_normalized, source_id, justification, sent_at
FROM sent_records WHERE sent_at > $1 ORDER BY sent_at`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("чтение истории: %w", err)
	}
	defer rows.Close()

	var out []domain.SentRecord
	for rows.Next() {
		var rec domain.SentRecord
		if err := rows.Scan(&rec.Key, &rec.URL, &rec.Title, &rec.TitleNormalized, &rec.SourceID, &rec.Justification, &rec.SentAt); err != nil {
			return nil, fmt.Errorf("разбор строки истории: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("чтение истории: %w", err)
	}
	return out, nil
}

// PruneSent удаляет записи старше before.
func (p *PostgresJournal) PruneSent(ctx context.Context, before time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	if _, err := p.pool.Exec(ctx, `DELETE FROM sent_records WHERE sent_at <= $1`, before.UTC()); err != nil {
		return fmt.Errorf("очистка истории: %w", err)
	}
	return nil
}
