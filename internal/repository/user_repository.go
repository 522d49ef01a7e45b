package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/pkg/errors"
)

// UserRepository reads the user and follow tables owned by the profile
// service. Alarm delivery only needs existence checks and follower lists.
type UserRepository interface {
	GetUserByID(ctx context.Context, userID string) (models.User, error)
	Exists(ctx context.Context, userID string) (bool, error)
	ListFollowerIDs(ctx context.Context, userID string) ([]string, error)
}

type userRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{db: db}
}

func (u *userRepository) GetUserByID(ctx context.Context, userID string) (models.User, error) {
	var user models.User

	const query = `
		SELECT id, email, nickname, is_active
		FROM alarm.users
		WHERE id = $1 AND deleted_at IS NULL`

	err := u.db.QueryRowContext(ctx, query, strings.TrimSpace(userID)).Scan(
		&user.ID,
		&user.Email,
		&user.Nickname,
		&user.IsActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, errors.Wrap(err, "select user")
	}
	return user, nil
}

func (u *userRepository) Exists(ctx context.Context, userID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM alarm.users WHERE id = $1 AND deleted_at IS NULL)`

	var exists bool
	if err := u.db.QueryRowContext(ctx, query, strings.TrimSpace(userID)).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "check user exists")
	}
	return exists, nil
}

func (u *userRepository) ListFollowerIDs(ctx context.Context, userID string) ([]string, error) {
	const query = `
		SELECT f.follower_id
		FROM alarm.user_follows f
		JOIN alarm.users u ON u.id = f.follower_id AND u.deleted_at IS NULL
		WHERE f.followee_id = $1
		ORDER BY f.created_at ASC`

	rows, err := u.db.QueryContext(ctx, query, strings.TrimSpace(userID))
	if err != nil {
		return nil, errors.Wrap(err, "list followers")
	}
	defer rows.Close()

	var followers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		followers = append(followers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return followers, nil
}
