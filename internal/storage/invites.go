package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrDuplicateJoin = errors.New("storage: member already has an active attribution")
	ErrInvalidDelta  = errors.New("storage: delta must be positive")
)

// Attribution is one row of the who-invited-whom ledger.
type Attribution struct {
	ID        int64
	GuildID   string
	InviterID string
	InvitedID string
	Code      string
	JoinedAt  time.Time
	LeftAt    *time.Time
}

type InviteCounters struct {
	UserID  string
	GuildID string
	Regular int
	Bonus   int
	Fake    int
	Left    int
}

// Total is the unclamped effective invite count.
func (c InviteCounters) Total() int {
	return (c.Regular + c.Bonus) - (c.Fake + c.Left)
}

type LeaderboardEntry struct {
	UserID string
	Total  int
}

// DuplicateJoinWindow bounds how far apart two join records for the same open
// membership may be and still count as one join event.
const DuplicateJoinWindow = time.Minute

// RecordJoin appends an attribution and credits the inviter. A second join
// for a member whose open attribution started within DuplicateJoinWindow
// yields ErrDuplicateJoin. An older open attribution belongs to a session
// whose leave was never seen: it is closed at the new join time and its
// inviter is credited a left before the new session is recorded.
func (s *Store) RecordJoin(ctx context.Context, guildID, invitedID, inviterID, code string, at time.Time) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var openID int64
		var openInviter string
		var openJoined int64
		err := tx.QueryRowContext(ctx, s.rebind(`
			SELECT id, inviter_id, joined_at FROM invite_attribution
			WHERE guild_id = ? AND invited_id = ? AND left_at IS NULL
			ORDER BY joined_at DESC, id DESC
			LIMIT 1
		`), guildID, invitedID).Scan(&openID, &openInviter, &openJoined)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			gap := at.Sub(time.Unix(openJoined, 0))
			if gap < 0 {
				gap = -gap
			}
			if gap < DuplicateJoinWindow {
				return ErrDuplicateJoin
			}
			if err := s.closeSessionTx(ctx, tx, guildID, openID, openInviter, at); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO invite_attribution (guild_id, inviter_id, invited_id, invite_code, joined_at)
			VALUES (?, ?, ?, ?, ?)
		`), guildID, inviterID, invitedID, code, at.Unix()); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO invite_stats (user_id, guild_id, invites_regular) VALUES (?, ?, 1)
			ON CONFLICT(user_id, guild_id) DO UPDATE SET
				invites_regular = invite_stats.invites_regular + 1
		`), inviterID, guildID)
		return err
	})
	if isUniqueViolation(err) {
		return ErrDuplicateJoin
	}
	return err
}

// closeSessionTx marks an open attribution as left and credits its inviter.
func (s *Store) closeSessionTx(ctx context.Context, tx *sql.Tx, guildID string, id int64, inviterID string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE invite_attribution SET left_at = ? WHERE id = ?`), at.Unix(), id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO invite_stats (user_id, guild_id, invites_left) VALUES (?, ?, 1)
		ON CONFLICT(user_id, guild_id) DO UPDATE SET
			invites_left = invite_stats.invites_left + 1
	`), inviterID, guildID)
	return err
}

// RecordLeave closes the member's active attribution and credits the
// inviter's left counter. It reports false when no active attribution exists.
func (s *Store) RecordLeave(ctx context.Context, guildID, userID string, at time.Time) (Attribution, bool, error) {
	var result Attribution
	var found bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		found = false
		row := tx.QueryRowContext(ctx, s.rebind(`
			SELECT id, inviter_id, invite_code, joined_at
			FROM invite_attribution
			WHERE guild_id = ? AND invited_id = ? AND left_at IS NULL
			ORDER BY joined_at DESC, id DESC
			LIMIT 1
		`), guildID, userID)

		var joined int64
		if err := row.Scan(&result.ID, &result.InviterID, &result.Code, &joined); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		result.GuildID = guildID
		result.InvitedID = userID
		result.JoinedAt = time.Unix(joined, 0)

		if err := s.closeSessionTx(ctx, tx, guildID, result.ID, result.InviterID, at); err != nil {
			return err
		}
		leftAt := time.Unix(at.Unix(), 0)
		result.LeftAt = &leftAt
		found = true
		return nil
	})
	if err != nil {
		return Attribution{}, false, err
	}
	return result, found, nil
}

func (s *Store) AdjustBonus(ctx context.Context, guildID, userID string, delta int) (int, error) {
	return s.adjust(ctx, guildID, userID, delta, `
		INSERT INTO invite_stats (user_id, guild_id, invites_bonus) VALUES (?, ?, ?)
		ON CONFLICT(user_id, guild_id) DO UPDATE SET
			invites_bonus = invite_stats.invites_bonus + excluded.invites_bonus
	`)
}

func (s *Store) AdjustFake(ctx context.Context, guildID, userID string, delta int) (int, error) {
	return s.adjust(ctx, guildID, userID, delta, `
		INSERT INTO invite_stats (user_id, guild_id, invites_fake) VALUES (?, ?, ?)
		ON CONFLICT(user_id, guild_id) DO UPDATE SET
			invites_fake = invite_stats.invites_fake + excluded.invites_fake
	`)
}

func (s *Store) adjust(ctx context.Context, guildID, userID string, delta int, query string) (int, error) {
	if delta <= 0 {
		return 0, ErrInvalidDelta
	}
	var total int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(query), userID, guildID, delta); err != nil {
			return err
		}
		counters, _, err := s.countersTx(ctx, tx, guildID, userID)
		if err != nil {
			return err
		}
		total = counters.Total()
		return nil
	})
	return total, err
}

// RevokeInvites removes amount invites from a user: taken from bonus when the
// bonus covers it, otherwise recorded as fake. It reports false when the user
// has no counters in the guild.
func (s *Store) RevokeInvites(ctx context.Context, guildID, userID string, amount int) (int, bool, error) {
	if amount <= 0 {
		return 0, false, ErrInvalidDelta
	}
	var total int
	var found bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		counters, ok, err := s.countersTx(ctx, tx, guildID, userID)
		if err != nil {
			return err
		}
		found = ok
		if !ok {
			return nil
		}
		query := `UPDATE invite_stats SET invites_fake = invites_fake + ? WHERE user_id = ? AND guild_id = ?`
		if counters.Bonus >= amount {
			query = `UPDATE invite_stats SET invites_bonus = invites_bonus - ? WHERE user_id = ? AND guild_id = ?`
		}
		if _, err := tx.ExecContext(ctx, s.rebind(query), amount, userID, guildID); err != nil {
			return err
		}
		counters, _, err = s.countersTx(ctx, tx, guildID, userID)
		if err != nil {
			return err
		}
		total = counters.Total()
		return nil
	})
	return total, found, err
}

func (s *Store) GetCounters(ctx context.Context, guildID, userID string) (InviteCounters, bool, error) {
	return s.countersTx(ctx, s.db, guildID, userID)
}

func (s *Store) GetEffectiveTotal(ctx context.Context, guildID, userID string) (int, error) {
	counters, _, err := s.GetCounters(ctx, guildID, userID)
	if err != nil {
		return 0, err
	}
	return counters.Total(), nil
}

// GetLeaderboard orders by effective total descending, then by user id
// ascending. Snowflake ids compare numerically via length first.
func (s *Store) GetLeaderboard(ctx context.Context, guildID string, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT user_id,
			(invites_regular + invites_bonus) - (invites_fake + invites_left) AS total
		FROM invite_stats
		WHERE guild_id = ?
		ORDER BY total DESC, LENGTH(user_id) ASC, user_id ASC
		LIMIT ?
	`), guildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var entry LeaderboardEntry
		if err := rows.Scan(&entry.UserID, &entry.Total); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetAttributionOf returns the member's most recent attribution, active or not.
func (s *Store) GetAttributionOf(ctx context.Context, guildID, memberID string) (Attribution, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, inviter_id, invite_code, joined_at, left_at
		FROM invite_attribution
		WHERE guild_id = ? AND invited_id = ?
		ORDER BY joined_at DESC, id DESC
		LIMIT 1
	`), guildID, memberID)

	result := Attribution{GuildID: guildID, InvitedID: memberID}
	var joined int64
	var left sql.NullInt64
	if err := row.Scan(&result.ID, &result.InviterID, &result.Code, &joined, &left); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attribution{}, false, nil
		}
		return Attribution{}, false, err
	}
	result.JoinedAt = time.Unix(joined, 0)
	if left.Valid {
		value := time.Unix(left.Int64, 0)
		result.LeftAt = &value
	}
	return result, true, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) countersTx(ctx context.Context, q queryRower, guildID, userID string) (InviteCounters, bool, error) {
	counters := InviteCounters{UserID: userID, GuildID: guildID}
	err := q.QueryRowContext(ctx, s.rebind(`
		SELECT invites_regular, invites_bonus, invites_fake, invites_left
		FROM invite_stats
		WHERE user_id = ? AND guild_id = ?
	`), userID, guildID).Scan(&counters.Regular, &counters.Bonus, &counters.Fake, &counters.Left)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return counters, false, nil
		}
		return InviteCounters{}, false, err
	}
	return counters, true, nil
}
