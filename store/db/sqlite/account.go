package sqlite

import (
	"context"

	"github.com/pkg/errors"

	"github.com/endl-ch/pumaduct/store"
)

func (d *DB) CreateAccount(ctx context.Context, create *store.Account) (*store.Account, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO pumaduct_account (user, network, ext_user, password, auth_token) VALUES (?, ?, ?, ?, ?)`,
		create.User, create.Network, create.ExtUser, create.Password, create.AuthToken)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create account")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get account id")
	}
	create.ID = id
	return create, nil
}

func (d *DB) ListAccounts(ctx context.Context) ([]*store.Account, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, user, network, ext_user, password, auth_token FROM pumaduct_account ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list accounts")
	}
	defer rows.Close()

	var accounts []*store.Account
	for rows.Next() {
		account := &store.Account{}
		if err := rows.Scan(
			&account.ID, &account.User, &account.Network,
			&account.ExtUser, &account.Password, &account.AuthToken,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan account")
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (d *DB) DeleteAccount(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM pumaduct_account WHERE id = ?`, id)
	return errors.Wrap(err, "failed to delete account")
}

func (d *DB) UpdateAccountAuthToken(ctx context.Context, id int64, authToken string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE pumaduct_account SET auth_token = ? WHERE id = ?`, authToken, id)
	return errors.Wrap(err, "failed to update auth token")
}
