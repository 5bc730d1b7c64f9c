package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/booking-settlement/internal/model"
)

// ProfileRepo reads user profiles.
type ProfileRepo struct {
	db *sql.DB
}

// NewProfileRepo returns a ProfileRepo bound to the given database.
func NewProfileRepo(db *sql.DB) *ProfileRepo { return &ProfileRepo{db: db} }

// GetByEmail returns the profile for email or ErrNotFound.
func (r *ProfileRepo) GetByEmail(ctx context.Context, email string) (model.Profile, error) {
	var p model.Profile
	var acct sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, stripe_account_id FROM profiles WHERE email = ?`, email).
		Scan(&p.ID, &p.Email, &acct)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, ErrNotFound
	}
	if err != nil {
		return model.Profile{}, err
	}
	p.StripeAccountID = nullString(acct)
	return p, nil
}
