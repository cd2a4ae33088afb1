package store

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Stats is the per-guild per-user counter table. Every write is a single
// atomic upsert-with-increment; no client-side locking.
type Stats struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Delta is one set of counter increments applied atomically.
type Delta struct {
	Images              int
	CanvasContributions int
	Evolutions          int
	DepthMaps           int
	TotalTime           float64
}

type UserStats struct {
	GuildId             string
	UserId              string
	Username            string
	Images              int
	CanvasContributions int
	Evolutions          int
	DepthMaps           int
	LastGenerated       string
	TotalTime           float64
}

func OpenStats(path string, logger zerolog.Logger) (*Stats, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	s := &Stats{db: db, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stats) init() error {
	_, err := s.db.Exec(`create table if not exists user_stats (
		guild_id text,
		user_id text,
		images integer not null default 0,
		canvas_contributions integer not null default 0,
		evolutions integer not null default 0,
		depth_maps integer not null default 0,
		last_generated text,
		total_time real not null default 0,
		username text,
		primary key (guild_id, user_id)
	)`)
	return err
}

func (s *Stats) Close() error {
	return s.db.Close()
}

// Update applies the delta as one upsert and refreshes the last-activity
// timestamp and username.
func (s *Stats) Update(guildid string, userid string, username string, d Delta) error {
	_, err := s.db.Exec(`insert into user_stats (
		guild_id, user_id, images, canvas_contributions, evolutions, depth_maps, last_generated, total_time, username
	) values (?, ?, ?, ?, ?, ?, ?, ?, ?)
	on conflict (guild_id, user_id) do update set
		images = images + excluded.images,
		canvas_contributions = canvas_contributions + excluded.canvas_contributions,
		evolutions = evolutions + excluded.evolutions,
		depth_maps = depth_maps + excluded.depth_maps,
		last_generated = excluded.last_generated,
		total_time = total_time + excluded.total_time,
		username = excluded.username`,
		guildid, userid, d.Images, d.CanvasContributions, d.Evolutions, d.DepthMaps,
		time.Now().Format(time.RFC3339), d.TotalTime, username)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userid).Msg("store: stats update failed")
		return err
	}
	s.logger.Debug().Str("guild", guildid).Str("user", userid).
		Int("images", d.Images).Float64("time", d.TotalTime).Msg("store: stats updated")
	return nil
}

// User returns the row for (guildid, userid), or a zero row when absent.
func (s *Stats) User(guildid string, userid string) (*UserStats, error) {
	row := s.db.QueryRow(`select images, canvas_contributions, evolutions, depth_maps,
		coalesce(last_generated, ''), total_time, coalesce(username, '')
		from user_stats where guild_id = ? and user_id = ?`, guildid, userid)
	stats := &UserStats{GuildId: guildid, UserId: userid, LastGenerated: "Never"}
	err := row.Scan(&stats.Images, &stats.CanvasContributions, &stats.Evolutions,
		&stats.DepthMaps, &stats.LastGenerated, &stats.TotalTime, &stats.Username)
	if err == sql.ErrNoRows {
		return &UserStats{GuildId: guildid, UserId: userid, LastGenerated: "Never"}, nil
	}
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Leaderboard returns the top rows of a guild ordered by generated images.
func (s *Stats) Leaderboard(guildid string, limit int) ([]UserStats, error) {
	rows, err := s.db.Query(`select user_id, images, coalesce(username, '')
		from user_stats where guild_id = ? order by images desc limit ?`, guildid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []UserStats{}
	for rows.Next() {
		entry := UserStats{GuildId: guildid}
		if err := rows.Scan(&entry.UserId, &entry.Images, &entry.Username); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
