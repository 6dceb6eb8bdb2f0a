// internal/db/postgres.go
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"coach-bot/internal/models"
)

type PostgresConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

type PostgresDB struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresDB)(nil)

func NewPostgresDB(cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode, cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DB connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnLifetime
	poolConfig.MaxConnIdleTime = 15 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

func (db *PostgresDB) SaveUser(ctx context.Context, user *models.User) error {
	query := `
        INSERT INTO users (telegram_id, chat_id, username, name, timezone, locale, active)
        VALUES ($1, $2, $3, $4, $5, $6, TRUE)
        ON CONFLICT (telegram_id) DO UPDATE
        SET chat_id = $2, username = $3, name = $4,
            timezone = COALESCE(NULLIF($5, ''), users.timezone),
            locale = $6, active = TRUE, updated_at = NOW()
        RETURNING id
    `

	err := db.pool.QueryRow(ctx, query,
		user.TelegramID, user.ChatID, user.Username,
		user.Name, user.Timezone, user.Locale,
	).Scan(&user.ID)

	return err
}

func (db *PostgresDB) GetUser(ctx context.Context, telegramID int64) (*models.User, error) {
	query := `
        SELECT id, telegram_id, chat_id, username, name, timezone, locale, active, created_at, updated_at
        FROM users
        WHERE telegram_id = $1
    `

	var user models.User
	err := db.pool.QueryRow(ctx, query, telegramID).Scan(
		&user.ID, &user.TelegramID, &user.ChatID, &user.Username,
		&user.Name, &user.Timezone, &user.Locale, &user.Active,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}

	return &user, nil
}

func (db *PostgresDB) DeactivateUser(ctx context.Context, telegramID int64) error {
	query := `UPDATE users SET active = FALSE, updated_at = NOW() WHERE telegram_id = $1`
	_, err := db.pool.Exec(ctx, query, telegramID)
	return err
}

func (db *PostgresDB) GetUserState(ctx context.Context, userID int64) (*models.UserState, error) {
	query := `
        SELECT user_id, state, payload_json, updated_at
        FROM user_state
        WHERE user_id = $1
    `

	var st models.UserState
	var payload []byte
	err := db.pool.QueryRow(ctx, query, userID).Scan(
		&st.UserID, &st.State, &payload, &st.UpdatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &st.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode state payload: %w", err)
		}
	}
	if st.Payload == nil {
		st.Payload = make(map[string]interface{})
	}

	return &st, nil
}

func (db *PostgresDB) PutUserState(ctx context.Context, st *models.UserState) error {
	payload, err := json.Marshal(st.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode state payload: %w", err)
	}

	query := `
        INSERT INTO user_state (user_id, state, payload_json, updated_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (user_id) DO UPDATE
        SET state = $2, payload_json = $3, updated_at = NOW()
    `

	_, err = db.pool.Exec(ctx, query, st.UserID, st.State, payload)
	return err
}

func (db *PostgresDB) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
        INSERT INTO orders (id, user_id, goal, plan, status)
        VALUES ($1, $2, $3, $4, $5)
    `

	_, err := db.pool.Exec(ctx, query,
		order.ID, order.UserID, order.Goal, order.Plan, order.Status,
	)
	return err
}

func (db *PostgresDB) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	query := `
        SELECT id, user_id, goal, plan, status, created_at, start_at, end_at
        FROM orders
        WHERE id = $1
    `

	var order models.Order
	err := db.pool.QueryRow(ctx, query, orderID).Scan(
		&order.ID, &order.UserID, &order.Goal, &order.Plan,
		&order.Status, &order.CreatedAt, &order.StartAt, &order.EndAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}

	return &order, nil
}

func (db *PostgresDB) ActiveOrder(ctx context.Context, userID int64) (*models.Order, error) {
	query := `
        SELECT id, user_id, goal, plan, status, created_at, start_at, end_at
        FROM orders
        WHERE user_id = $1 AND status NOT IN ('completed', 'cancelled')
        ORDER BY created_at DESC
        LIMIT 1
    `

	var order models.Order
	err := db.pool.QueryRow(ctx, query, userID).Scan(
		&order.ID, &order.UserID, &order.Goal, &order.Plan,
		&order.Status, &order.CreatedAt, &order.StartAt, &order.EndAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}

	return &order, nil
}

func (db *PostgresDB) UpdateOrder(ctx context.Context, order *models.Order) error {
	query := `
        UPDATE orders
        SET goal = $2, plan = $3, status = $4, start_at = $5, end_at = $6
        WHERE id = $1
    `

	_, err := db.pool.Exec(ctx, query,
		order.ID, order.Goal, order.Plan, order.Status, order.StartAt, order.EndAt,
	)
	return err
}

func (db *PostgresDB) AddFocusStatement(ctx context.Context, fs *models.FocusStatement) error {
	query := `
        INSERT INTO focus_statements (order_id, category, text, ordinal)
        VALUES ($1, $2, $3, $4)
        RETURNING id
    `

	return db.pool.QueryRow(ctx, query,
		fs.OrderID, fs.Category, fs.Text, fs.Ordinal,
	).Scan(&fs.ID)
}

func (db *PostgresDB) FocusStatements(ctx context.Context, orderID string) ([]models.FocusStatement, error) {
	query := `
        SELECT id, order_id, category, text, ordinal
        FROM focus_statements
        WHERE order_id = $1
        ORDER BY ordinal
    `

	rows, err := db.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statements []models.FocusStatement
	for rows.Next() {
		var fs models.FocusStatement
		if err := rows.Scan(&fs.ID, &fs.OrderID, &fs.Category, &fs.Text, &fs.Ordinal); err != nil {
			return nil, err
		}
		statements = append(statements, fs)
	}

	return statements, rows.Err()
}

func (db *PostgresDB) AddTask(ctx context.Context, task *models.Task) error {
	query := `
        INSERT INTO tasks (focus_statement_id, text, selected, status)
        VALUES ($1, $2, $3, $4)
        RETURNING id
    `

	return db.pool.QueryRow(ctx, query,
		task.FocusStatementID, task.Text, task.Selected, task.Status,
	).Scan(&task.ID)
}

func (db *PostgresDB) Tasks(ctx context.Context, orderID string) ([]models.Task, error) {
	query := `
        SELECT t.id, t.focus_statement_id, fs.order_id, t.text, t.selected, t.status, t.completions
        FROM tasks t
        JOIN focus_statements fs ON fs.id = t.focus_statement_id
        WHERE fs.order_id = $1
        ORDER BY t.id
    `

	rows, err := db.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.FocusStatementID, &t.OrderID, &t.Text, &t.Selected, &t.Status, &t.Completions); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

func (db *PostgresDB) SetTaskSelected(ctx context.Context, taskID int64, selected bool) error {
	query := `UPDATE tasks SET selected = $2 WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, taskID, selected)
	return err
}

func (db *PostgresDB) ClearSelection(ctx context.Context, orderID string) error {
	query := `
        UPDATE tasks SET selected = FALSE
        WHERE focus_statement_id IN (SELECT id FROM focus_statements WHERE order_id = $1)
    `
	_, err := db.pool.Exec(ctx, query, orderID)
	return err
}

func (db *PostgresDB) CompleteTask(ctx context.Context, taskID int64) error {
	query := `UPDATE tasks SET status = 'completed', completions = completions + 1 WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, taskID)
	return err
}

func (db *PostgresDB) CreateDeliveries(ctx context.Context, deliveries []models.ScheduledDelivery) error {
	batch := &pgx.Batch{}
	query := `
        INSERT INTO scheduled_deliveries (id, order_id, user_id, kind, due_at, sequence_no, status, attempts)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
    `
	for _, d := range deliveries {
		batch.Queue(query, d.ID, d.OrderID, d.UserID, d.Kind, d.DueAt, d.SequenceNo, d.Status)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range deliveries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert scheduled delivery: %w", err)
		}
	}
	return nil
}

func (db *PostgresDB) DueDeliveries(ctx context.Context, now time.Time) ([]models.ScheduledDelivery, error) {
	query := `
        SELECT id, order_id, user_id, kind, due_at, sequence_no, status, attempts
        FROM scheduled_deliveries
        WHERE status = 'pending' AND due_at <= $1
        ORDER BY due_at, sequence_no
    `

	rows, err := db.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func (db *PostgresDB) DeliveryStatus(ctx context.Context, deliveryID string) (models.DeliveryStatus, error) {
	var status models.DeliveryStatus
	err := db.pool.QueryRow(ctx,
		`SELECT status FROM scheduled_deliveries WHERE id = $1`, deliveryID,
	).Scan(&status)
	if err != nil {
		return "", mapErr(err)
	}
	return status, nil
}

func (db *PostgresDB) MarkDelivery(ctx context.Context, deliveryID string, status models.DeliveryStatus) error {
	query := `UPDATE scheduled_deliveries SET status = $2 WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, deliveryID, status)
	return err
}

func (db *PostgresDB) BumpDeliveryAttempts(ctx context.Context, deliveryID string) (int, error) {
	var attempts int
	err := db.pool.QueryRow(ctx,
		`UPDATE scheduled_deliveries SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`,
		deliveryID,
	).Scan(&attempts)
	if err != nil {
		return 0, mapErr(err)
	}
	return attempts, nil
}

func (db *PostgresDB) CancelPendingDeliveries(ctx context.Context, orderID string) error {
	query := `
        UPDATE scheduled_deliveries SET status = 'cancelled'
        WHERE order_id = $1 AND status = 'pending'
    `
	_, err := db.pool.Exec(ctx, query, orderID)
	return err
}

func (db *PostgresDB) Deliveries(ctx context.Context, orderID string) ([]models.ScheduledDelivery, error) {
	query := `
        SELECT id, order_id, user_id, kind, due_at, sequence_no, status, attempts
        FROM scheduled_deliveries
        WHERE order_id = $1
        ORDER BY sequence_no
    `

	rows, err := db.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func scanDeliveries(rows pgx.Rows) ([]models.ScheduledDelivery, error) {
	var deliveries []models.ScheduledDelivery
	for rows.Next() {
		var d models.ScheduledDelivery
		if err := rows.Scan(&d.ID, &d.OrderID, &d.UserID, &d.Kind, &d.DueAt, &d.SequenceNo, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
