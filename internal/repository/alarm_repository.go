package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/pkg/errors"
)

type AlarmRepository interface {
	// Create stores the alarm unless a row with the same event key exists,
	// in which case the existing row is returned and created is false.
	Create(ctx context.Context, params CreateAlarmParams) (alarm models.Alarm, created bool, err error)
	ListByUser(ctx context.Context, userID string) ([]models.Alarm, error)
	Delete(ctx context.Context, userID string, alarmID int64) error
	MarkPushed(ctx context.Context, alarmID int64) error
}

type alarmRepository struct {
	db *sql.DB
}

type CreateAlarmParams struct {
	EventKey      string
	ReceiveUserID string
	AlarmType     models.AlarmType
	FromUserID    string
	TargetID      int64
	Text          string
	CreatedAt     sql.NullTime
}

func NewAlarmRepository(db *sql.DB) AlarmRepository {
	return &alarmRepository{db: db}
}

const alarmColumns = `id, event_key, receive_user_id, alarm_type, from_user_id, target_id, text, created_at, pushed_at`

func (r *alarmRepository) Create(ctx context.Context, params CreateAlarmParams) (models.Alarm, bool, error) {
	const query = `
		INSERT INTO alarm.alarms (event_key, receive_user_id, alarm_type, from_user_id, target_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))
		ON CONFLICT (event_key) DO NOTHING
		RETURNING ` + alarmColumns

	var createdAt interface{}
	if params.CreatedAt.Valid {
		createdAt = params.CreatedAt.Time
	}

	row := r.db.QueryRowContext(ctx, query,
		strings.TrimSpace(params.EventKey),
		strings.TrimSpace(params.ReceiveUserID),
		params.AlarmType,
		strings.TrimSpace(params.FromUserID),
		params.TargetID,
		params.Text,
		createdAt,
	)
	alarm, err := scanAlarm(row)
	if err == nil {
		return alarm, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Alarm{}, false, errors.Wrap(err, "insert alarm")
	}

	existing, err := r.getByEventKey(ctx, params.EventKey)
	if err != nil {
		return models.Alarm{}, false, err
	}
	return existing, false, nil
}

func (r *alarmRepository) getByEventKey(ctx context.Context, eventKey string) (models.Alarm, error) {
	const query = `SELECT ` + alarmColumns + ` FROM alarm.alarms WHERE event_key = $1`
	alarm, err := scanAlarm(r.db.QueryRowContext(ctx, query, strings.TrimSpace(eventKey)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Alarm{}, ErrNotFound
		}
		return models.Alarm{}, errors.Wrap(err, "select alarm by event key")
	}
	return alarm, nil
}

func (r *alarmRepository) ListByUser(ctx context.Context, userID string) ([]models.Alarm, error) {
	const query = `
		SELECT ` + alarmColumns + `
		FROM alarm.alarms
		WHERE receive_user_id = $1
		ORDER BY created_at DESC, id DESC
	`

	rows, err := r.db.QueryContext(ctx, query, strings.TrimSpace(userID))
	if err != nil {
		return nil, errors.Wrap(err, "list alarms")
	}
	defer rows.Close()

	alarms := []models.Alarm{}
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		alarms = append(alarms, alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alarms, nil
}

func (r *alarmRepository) Delete(ctx context.Context, userID string, alarmID int64) error {
	const query = `DELETE FROM alarm.alarms WHERE id = $1 AND receive_user_id = $2`
	res, err := r.db.ExecContext(ctx, query, alarmID, strings.TrimSpace(userID))
	if err != nil {
		return errors.Wrap(err, "delete alarm")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *alarmRepository) MarkPushed(ctx context.Context, alarmID int64) error {
	const query = `UPDATE alarm.alarms SET pushed_at = NOW() WHERE id = $1 AND pushed_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, alarmID); err != nil {
		return errors.Wrap(err, "mark alarm pushed")
	}
	return nil
}

func scanAlarm(scanner interface {
	Scan(dest ...interface{}) error
}) (models.Alarm, error) {
	var (
		alarm    models.Alarm
		pushedAt sql.NullTime
	)

	if err := scanner.Scan(
		&alarm.ID,
		&alarm.EventKey,
		&alarm.ReceiveUserID,
		&alarm.AlarmType,
		&alarm.FromUserID,
		&alarm.TargetID,
		&alarm.Text,
		&alarm.CreatedAt,
		&pushedAt,
	); err != nil {
		return models.Alarm{}, err
	}

	if pushedAt.Valid {
		t := pushedAt.Time
		alarm.PushedAt = &t
	}
	return alarm, nil
}
