package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"dealbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("catalog: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; per-key atomicity comes for free.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

const productCols = `id, title, retailer_id, url, currency, price, prev_price,
	last_checked, check_interval, threshold, active, review_reason`

func (s *sqliteStore) ListProducts(ctx context.Context, opt ListProductsOptions) ([]Product, error) {
	q := `SELECT ` + productCols + ` FROM products`
	var args []any
	if opt.ActiveOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY id`
	if opt.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, opt.Limit, opt.Offset)
	} else if opt.Offset > 0 {
		q += ` LIMIT -1 OFFSET ?`
		args = append(args, opt.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetProduct(ctx context.Context, id string) (Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productCols+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) PutProduct(ctx context.Context, p Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products(`+productCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, retailer_id=excluded.retailer_id,
			url=excluded.url, currency=excluded.currency,
			price=excluded.price, prev_price=excluded.prev_price,
			last_checked=excluded.last_checked, check_interval=excluded.check_interval,
			threshold=excluded.threshold, active=excluded.active,
			review_reason=excluded.review_reason`,
		p.ID, p.Title, p.RetailerID, p.URL, p.Currency,
		p.Price.String(), p.PrevPrice.String(),
		unixMillis(p.LastChecked), int64(p.CheckInterval), p.Threshold,
		boolInt(p.Active), p.ReviewReason,
	)
	return err
}

func (s *sqliteStore) UpdateProductPrice(ctx context.Context, id string, price decimal.Decimal, at time.Time) error {
	// Single statement keeps prev/current/last_checked atomic.
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET prev_price = price, price = ?, last_checked = ?
		WHERE id = ?`,
		price.String(), unixMillis(at), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) FlagProduct(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE products SET review_reason = ? WHERE id = ?`, reason, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const destinationCols = `chat_id, kind, title, authorized, alerts_enabled, digest_enabled, last_message_at`

func (s *sqliteStore) ListDestinations(ctx context.Context, f DestinationFilter) ([]Destination, error) {
	q := `SELECT ` + destinationCols + ` FROM destinations`
	var conds []string
	if f.AuthorizedOnly {
		conds = append(conds, "authorized = 1")
	}
	if f.AlertsOnly {
		conds = append(conds, "alerts_enabled = 1")
	}
	if f.DigestOnly {
		conds = append(conds, "digest_enabled = 1")
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY chat_id"

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetDestination(ctx context.Context, chatID int64) (Destination, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+destinationCols+` FROM destinations WHERE chat_id = ?`, chatID)
	d, err := scanDestination(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Destination{}, ErrNotFound
	}
	return d, err
}

func (s *sqliteStore) PutDestination(ctx context.Context, d Destination) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO destinations(`+destinationCols+`)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(chat_id) DO UPDATE SET
			kind=excluded.kind, title=excluded.title,
			authorized=excluded.authorized,
			alerts_enabled=excluded.alerts_enabled,
			digest_enabled=excluded.digest_enabled,
			last_message_at=excluded.last_message_at`,
		d.ChatID, string(d.Kind), d.Title, boolInt(d.Authorized),
		boolInt(d.AlertsEnabled), boolInt(d.DigestEnabled), unixMillis(d.LastMessageAt),
	)
	return err
}

func (s *sqliteStore) SetDestinationAuthorized(ctx context.Context, chatID int64, authorized bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE destinations SET authorized = ? WHERE chat_id = ?`, boolInt(authorized), chatID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *sqliteStore) TouchDestination(ctx context.Context, chatID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE destinations SET last_message_at = MAX(last_message_at, ?) WHERE chat_id = ?`,
		unixMillis(at), chatID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(r rowScanner) (Product, error) {
	var (
		p               Product
		price, prev     string
		checkedMS, itvl int64
		active          int
	)
	err := r.Scan(&p.ID, &p.Title, &p.RetailerID, &p.URL, &p.Currency,
		&price, &prev, &checkedMS, &itvl, &p.Threshold, &active, &p.ReviewReason)
	if err != nil {
		return Product{}, err
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return Product{}, fmt.Errorf("product %s: bad price %q: %w", p.ID, price, err)
	}
	if p.PrevPrice, err = decimal.NewFromString(prev); err != nil {
		return Product{}, fmt.Errorf("product %s: bad prev price %q: %w", p.ID, prev, err)
	}
	p.LastChecked = fromUnixMillis(checkedMS)
	p.CheckInterval = time.Duration(itvl)
	p.Active = active != 0
	return p, nil
}

func scanDestination(r rowScanner) (Destination, error) {
	var (
		d                    Destination
		kind                 string
		auth, alerts, digest int
		lastMS               int64
	)
	err := r.Scan(&d.ChatID, &kind, &d.Title, &auth, &alerts, &digest, &lastMS)
	if err != nil {
		return Destination{}, err
	}
	d.Kind = DestinationKind(kind)
	d.Authorized = auth != 0
	d.AlertsEnabled = alerts != 0
	d.DigestEnabled = digest != 0
	d.LastMessageAt = fromUnixMillis(lastMS)
	return d, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
