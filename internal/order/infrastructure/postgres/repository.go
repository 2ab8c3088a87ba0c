package postgres

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/dmehra2102/order-orchestrator/internal/order/domain"
	"github.com/dmehra2102/order-orchestrator/pkg/outbox"
)

const uniqueViolation = "23505"

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) Create(ctx context.Context, o domain.Order) (domain.Order, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Order{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	err = tx.QueryRow(ctx, `INSERT INTO orders (order_uuid, total_amount, status, created_at, city, street, house_number, apartment_number, user_id, version)
		VALUES ($1::uuid, $2::numeric, $3, $4, $5, $6, $7, $8, $9, 0)
		RETURNING id`,
		o.UUID.String(), o.TotalAmount.String(), string(o.Status), o.CreatedAt,
		o.Address.City, o.Address.Street, o.Address.HouseNumber, o.Address.ApartmentNumber, o.User.ID,
	).Scan(&o.ID)
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "failed to insert order")
	}

	batch := &pgx.Batch{}
	for i, item := range o.LineItems {
		batch.Queue(`INSERT INTO order_line_items (order_id, position, article_id, quantity) VALUES ($1, $2, $3::uuid, $4)`,
			o.ID, i, item.ArticleID.String(), item.Quantity)
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return domain.Order{}, errors.Wrap(err, "failed to insert line items")
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.Order{}, err
	}
	o.Version = 0
	return o, nil
}

func (r *Repository) GetByUUID(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	var (
		o                       domain.Order
		orderUUID, total, payID string
		status, role            string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT o.id, o.order_uuid::text, o.total_amount::text, o.status, o.created_at, o.updated_at,
		       o.city, o.street, o.house_number, o.apartment_number, COALESCE(o.payment_id::text, ''), o.version,
		       u.id, u.sub_id, u.username, u.first_name, u.last_name, COALESCE(u.email, ''), u.role
		FROM orders o
		JOIN users u ON u.id = o.user_id
		WHERE o.order_uuid = $1::uuid`, id.String()).
		Scan(&o.ID, &orderUUID, &total, &status, &o.CreatedAt, &o.UpdatedAt,
			&o.Address.City, &o.Address.Street, &o.Address.HouseNumber, &o.Address.ApartmentNumber, &payID, &o.Version,
			&o.User.ID, &o.User.SubID, &o.User.Username, &o.User.FirstName, &o.User.LastName, &o.User.Email, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "failed to load order")
	}

	o.Status = domain.OrderStatus(status)
	o.User.Role = domain.Role(role)
	if o.UUID, err = uuid.Parse(orderUUID); err != nil {
		return domain.Order{}, err
	}
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return domain.Order{}, err
	}
	if payID != "" {
		if o.PaymentID, err = uuid.Parse(payID); err != nil {
			return domain.Order{}, err
		}
	}

	rows, err := r.pool.Query(ctx, `SELECT article_id::text, quantity FROM order_line_items WHERE order_id = $1 ORDER BY position`, o.ID)
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "failed to load line items")
	}
	defer rows.Close()
	for rows.Next() {
		var article string
		var qty int
		if err := rows.Scan(&article, &qty); err != nil {
			return domain.Order{}, err
		}
		aid, err := uuid.Parse(article)
		if err != nil {
			return domain.Order{}, err
		}
		o.LineItems = append(o.LineItems, domain.LineItem{ArticleID: aid, Quantity: qty})
	}
	return o, rows.Err()
}

// SaveWithOutbox stores the new status of o and stages event in one transaction.
// Line items are deleted once the order no longer holds any.
func (r *Repository) SaveWithOutbox(ctx context.Context, o domain.Order, event outbox.Event) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var paymentID any
	if o.PaymentID != uuid.Nil {
		paymentID = o.PaymentID.String()
	}
	ct, err := tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3, payment_id = $4::uuid, version = version + 1
		WHERE order_uuid = $1::uuid AND version = $5`,
		o.UUID.String(), string(o.Status), o.UpdatedAt, paymentID, o.Version)
	if err != nil {
		return errors.Wrap(err, "failed to update order")
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrConcurrentUpdate
	}

	if len(o.LineItems) == 0 {
		if _, err = tx.Exec(ctx, `DELETE FROM order_line_items WHERE order_id = (SELECT id FROM orders WHERE order_uuid = $1::uuid)`, o.UUID.String()); err != nil {
			return errors.Wrap(err, "failed to delete line items")
		}
	}

	headers := event.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	_, err = tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)`,
		event.AggregateType, event.AggregateID, event.Type, string(event.Payload), headers, event.Traceparent, event.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to stage outbox event")
	}
	return tx.Commit(ctx)
}

func (r *Repository) FindUser(ctx context.Context, subID, username string) (domain.User, error) {
	var u domain.User
	var role string
	err := r.pool.QueryRow(ctx, `SELECT id, sub_id, username, first_name, last_name, COALESCE(email, ''), role
		FROM users WHERE sub_id = $1 AND username = $2`, subID, username).
		Scan(&u.ID, &u.SubID, &u.Username, &u.FirstName, &u.LastName, &u.Email, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, errors.Wrap(err, "failed to load user")
	}
	u.Role = domain.Role(role)
	return u, nil
}

func (r *Repository) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	var email any
	if u.Email != "" {
		email = u.Email
	}
	err := r.pool.QueryRow(ctx, `INSERT INTO users (sub_id, username, first_name, last_name, email, role)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		u.SubID, u.Username, u.FirstName, u.LastName, email, string(u.Role)).Scan(&u.ID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.User{}, domain.ErrDuplicateUser
	}
	if err != nil {
		return domain.User{}, errors.Wrap(err, "failed to insert user")
	}
	r.log.Debug("user stored", "user_id", u.ID)
	return u, nil
}
