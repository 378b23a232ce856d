package commission

import (
	"context"
	"database/sql"

	"github.com/mbd888/marketplace/internal/idgen"
)

// PostgresStore reads commission rules from the commission_rules table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) RulesForStore(ctx context.Context, storeID string) ([]Rule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, store_id, COALESCE(currency, ''), rate::TEXT, effective_from, effective_to
		FROM commission_rules
		WHERE store_id = $1
		ORDER BY effective_from ASC`, storeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rules []Rule
	for rows.Next() {
		var (
			r    Rule
			rate string
			to   sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.StoreID, &r.Currency, &rate, &r.EffectiveFrom, &to); err != nil {
			return nil, err
		}
		if err := r.Rate.UnmarshalText([]byte(rate)); err != nil {
			return nil, err
		}
		if to.Valid {
			r.EffectiveTo = &to.Time
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (p *PostgresStore) SaveRule(ctx context.Context, rule Rule) error {
	if !validRate(rule.Rate) {
		return ErrInvalidRate
	}
	if rule.ID == "" {
		rule.ID = idgen.WithPrefix("cr_")
	}
	var to sql.NullTime
	if rule.EffectiveTo != nil {
		to = sql.NullTime{Time: *rule.EffectiveTo, Valid: true}
	}
	var currency sql.NullString
	if rule.Currency != "" {
		currency = sql.NullString{String: rule.Currency, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO commission_rules (id, store_id, currency, rate, effective_from, effective_to)
		VALUES ($1, $2, $3, $4::NUMERIC(6,4), $5, $6)`,
		rule.ID, rule.StoreID, currency, rule.Rate.String(), rule.EffectiveFrom, to)
	return err
}

var _ RuleStore = (*PostgresStore)(nil)
