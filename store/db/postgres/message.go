package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/endl-ch/pumaduct/store"
)

func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	err := d.db.QueryRowContext(ctx,
		`INSERT INTO pumaduct_message (network, ext_user, room_id, sender, recipient, destination, time, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		create.Network, create.ExtUser, create.RoomID, create.Sender,
		create.Recipient, string(create.Destination), create.Time.Unix(), create.Payload,
	).Scan(&create.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create message")
	}
	return create, nil
}

func messageWhere(find *store.FindMessage) (string, []any) {
	where := []string{"destination = $1"}
	args := []any{string(find.Destination)}
	if find.Sender != nil {
		args = append(args, *find.Sender)
		where = append(where, fmt.Sprintf("sender = $%d", len(args)))
	}
	if find.FilterAccount {
		if find.Network != nil {
			args = append(args, *find.Network)
			where = append(where, fmt.Sprintf("network = $%d", len(args)))
		} else {
			where = append(where, "network IS NULL")
		}
		if find.ExtUser != nil {
			args = append(args, *find.ExtUser)
			where = append(where, fmt.Sprintf("ext_user = $%d", len(args)))
		} else {
			where = append(where, "ext_user IS NULL")
		}
	}
	return strings.Join(where, " AND "), args
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := messageWhere(find)
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, network, ext_user, room_id, sender, recipient, destination, time, payload
		FROM pumaduct_message WHERE `+where+` ORDER BY time, id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		message := &store.Message{}
		var destination string
		var ts int64
		if err := rows.Scan(
			&message.ID, &message.Network, &message.ExtUser, &message.RoomID,
			&message.Sender, &message.Recipient, &destination, &ts, &message.Payload,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		message.Destination = store.Destination(destination)
		message.Time = time.Unix(ts, 0).UTC()
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (d *DB) CountMessages(ctx context.Context, find *store.FindMessage) (int, error) {
	where, args := messageWhere(find)
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pumaduct_message WHERE `+where, args...).Scan(&count)
	return count, errors.Wrap(err, "failed to count messages")
}

func (d *DB) DeleteMessage(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM pumaduct_message WHERE id = $1`, id)
	return errors.Wrap(err, "failed to delete message")
}
