package apps

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const appColumns = `id, "key", secret, enabled, enable_client_messages, ` +
	`max_connections, max_client_events_per_second, max_channel_name_length, ` +
	`max_event_payload_bytes, max_client_event_payload_bytes, ` +
	`max_presence_members_per_channel, max_subscriptions_per_connection, webhooks`

// SQLStore serves applications from a relational table. The postgres and
// sqlite drivers share one implementation; only the placeholder style
// differs.
type SQLStore struct {
	db          *sql.DB
	placeholder string
	logger      zerolog.Logger
}

// NewSQLStore opens the database and verifies connectivity. driver is
// "postgres" or "sqlite".
func NewSQLStore(ctx context.Context, driver, dsn string, logger zerolog.Logger) (*SQLStore, error) {
	placeholder := "?"
	if driver == "postgres" {
		placeholder = "$1"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s app store: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s app store: %w", driver, err)
	}

	return &SQLStore{
		db:          db,
		placeholder: placeholder,
		logger:      logger.With().Str("component", "app_store").Str("driver", driver).Logger(),
	}, nil
}

// ByID implements Store.
func (s *SQLStore) ByID(ctx context.Context, id string) (*Application, error) {
	query := fmt.Sprintf("SELECT %s FROM applications WHERE id = %s", appColumns, s.placeholder)
	return s.queryOne(ctx, query, id)
}

// ByKey implements Store.
func (s *SQLStore) ByKey(ctx context.Context, key string) (*Application, error) {
	query := fmt.Sprintf(`SELECT %s FROM applications WHERE "key" = %s`, appColumns, s.placeholder)
	return s.queryOne(ctx, query, key)
}

func (s *SQLStore) queryOne(ctx context.Context, query, arg string) (*Application, error) {
	var (
		app      Application
		webhooks sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&app.ID,
		&app.Key,
		&app.Secret,
		&app.Enabled,
		&app.EnableClientMessages,
		&app.MaxConnections,
		&app.MaxClientEventsPerSecond,
		&app.MaxChannelNameLength,
		&app.MaxEventPayloadBytes,
		&app.MaxClientEventPayloadBytes,
		&app.MaxPresenceMembersPerChannel,
		&app.MaxSubscriptionsPerConnection,
		&webhooks,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAppNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying application: %w", err)
	}

	if webhooks.Valid && webhooks.String != "" {
		if err := json.Unmarshal([]byte(webhooks.String), &app.Webhooks); err != nil {
			s.logger.Error().
				Err(err).
				Str("app_id", app.ID).
				Msg("invalid webhooks JSON, ignoring webhook bindings")
			app.Webhooks = nil
		}
	}
	return &app, nil
}

// Close releases the underlying pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
