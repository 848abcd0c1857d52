package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database/models"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/phone"
)

const contactColumns = `id, name, phone_number, photo_uri, favorite, created_at, updated_at`

// contactRepo implements ContactRepository.
type contactRepo struct {
	db *DB
}

// NewContactRepository creates a new ContactRepository.
func NewContactRepository(db *DB) ContactRepository {
	return &contactRepo{db: db}
}

// Create inserts a new contact and sets its ID.
func (r *contactRepo) Create(ctx context.Context, c *models.Contact) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO contacts (name, phone_number, photo_uri, favorite)
		 VALUES (?, ?, ?, ?)`,
		c.Name, c.PhoneNumber, c.PhotoURI, c.Favorite,
	)
	if err != nil {
		return fmt.Errorf("inserting contact: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID returns a contact by ID, or nil if it does not exist.
func (r *contactRepo) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	var c models.Contact
	err := r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.PhoneNumber, &c.PhotoURI, &c.Favorite, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact by id: %w", err)
	}
	return &c, nil
}

// FindByNumber scans the address book for the first contact whose number is
// loosely equivalent to number. Favorites are preferred when several match.
func (r *contactRepo) FindByNumber(ctx context.Context, number string) (*models.Contact, error) {
	if !phone.Dialable(number) {
		return nil, nil
	}

	contacts, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	var match *models.Contact
	for i := range contacts {
		if !phone.Equivalent(number, contacts[i].PhoneNumber) {
			continue
		}
		if contacts[i].Favorite {
			return &contacts[i], nil
		}
		if match == nil {
			match = &contacts[i]
		}
	}
	return match, nil
}

// List returns all contacts, favorites first, then by name.
func (r *contactRepo) List(ctx context.Context) ([]models.Contact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts ORDER BY favorite DESC, name COLLATE NOCASE, id`)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.PhoneNumber, &c.PhotoURI, &c.Favorite, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning contact row: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating contact rows: %w", err)
	}
	return contacts, nil
}

// Update modifies an existing contact.
func (r *contactRepo) Update(ctx context.Context, c *models.Contact) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET name = ?, phone_number = ?, photo_uri = ?, favorite = ?,
		 updated_at = datetime('now')
		 WHERE id = ?`,
		c.Name, c.PhoneNumber, c.PhotoURI, c.Favorite, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating contact: %w", err)
	}
	return requireAffected(result)
}

// Delete removes a contact by ID.
func (r *contactRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting contact: %w", err)
	}
	return requireAffected(result)
}

// Count returns the number of stored contacts.
func (r *contactRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting contacts: %w", err)
	}
	return n, nil
}

// requireAffected maps a mutation that touched no rows to ErrNotFound.
func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
