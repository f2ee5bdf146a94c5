package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "github.com/dylibso/discordbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Starting quotas and scopes per handler tier. Admin handlers get the wide
// channel and the open host list; everyone else starts sandboxed to the bot
// channel with no network access.
const (
	adminMaxTokens   = 10_000
	regularMaxTokens = 500
)

var (
	adminChannels   = []string{"general"}
	regularChannels = []string{"bots"}
	adminHosts      = []string{"*"}
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	reMu    sync.RWMutex
	reCache map[string]*regexp.Regexp
}

// Open initializes the SQLite store and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log, reCache: map[string]*regexp.Regexp{}}
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

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// registerHandler upserts the handler row. A conflict on (guild, user, plugin)
// only refreshes updated_at; tier defaults never overwrite an existing row.
func (s *sqliteStore) registerHandler(ctx context.Context, tx *sql.Tx, reg RegisterInterest) (string, error) {
	now := time.Now()
	channels, hosts, max := regularChannels, []string{}, regularMaxTokens
	if reg.IsAdmin {
		channels, hosts, max = adminChannels, adminHosts, adminMaxTokens
	}
	chJSON, _ := json.Marshal(channels)
	hoJSON, _ := json.Marshal(hosts)

	var id string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO handlers (
			id, guild, user_id, plugin_name,
			allowed_channels, allowed_hosts,
			ratelimiting_max_tokens, ratelimiting_current_tokens, ratelimiting_last_reset,
			created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(guild, user_id, plugin_name) DO UPDATE SET updated_at = excluded.updated_at
		RETURNING id`,
		uuid.NewString(), reg.Guild, reg.UserID, reg.PluginName,
		string(chJSON), string(hoJSON),
		max, max, now.UnixMilli(),
		now.UnixMilli(), now.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *sqliteStore) RegisterContentInterest(ctx context.Context, reg RegisterContentInterest) (string, error) {
	if _, err := s.compile(reg.Regex); err != nil {
		return "", fmt.Errorf("bad interest regex: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	id, err := s.registerHandler(ctx, tx, reg.RegisterInterest)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO interest_message_content (id, handler_id, regex, created_at)
		VALUES (?,?,?,?) ON CONFLICT(handler_id, regex) DO NOTHING`,
		uuid.NewString(), id, reg.Regex, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}

func (s *sqliteStore) RegisterMessageIDInterest(ctx context.Context, reg RegisterMessageIDInterest) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	id, err := s.registerHandler(ctx, tx, reg.RegisterInterest)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO interest_message_id (id, handler_id, message_id, created_at)
		VALUES (?,?,?,?) ON CONFLICT(handler_id, message_id) DO NOTHING`,
		uuid.NewString(), id, reg.MessageID, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}

const handlerColumns = `
	h.id, h.guild, h.user_id, h.plugin_name,
	h.allowed_channels, h.allowed_hosts,
	h.ratelimiting_max_tokens, h.ratelimiting_current_tokens, h.ratelimiting_last_reset,
	h.lifetime_cost, h.brain, h.logs, h.created_at, h.updated_at`

func scanHandler(row interface{ Scan(...any) error }) (*Handler, error) {
	var h Handler
	var channels, hosts, brain, logs string
	var lastReset, createdAt, updatedAt int64
	err := row.Scan(
		&h.ID, &h.Guild, &h.UserID, &h.PluginName,
		&channels, &hosts,
		&h.MaxTokens, &h.CurrentTokens, &lastReset,
		&h.LifetimeCost, &brain, &logs, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(channels), &h.AllowedChannels); err != nil {
		return nil, fmt.Errorf("handler %s: allowed_channels: %w", h.ID, err)
	}
	if err := json.Unmarshal([]byte(hosts), &h.AllowedHosts); err != nil {
		return nil, fmt.Errorf("handler %s: allowed_hosts: %w", h.ID, err)
	}
	if err := json.Unmarshal([]byte(brain), &h.Brain); err != nil {
		return nil, fmt.Errorf("handler %s: brain: %w", h.ID, err)
	}
	// Safety rule: never rehydrate the prototype key.
	delete(h.Brain, protoKey)
	if err := json.Unmarshal([]byte(logs), &h.Logs); err != nil {
		return nil, fmt.Errorf("handler %s: logs: %w", h.ID, err)
	}
	h.LastReset = time.UnixMilli(lastReset)
	h.CreatedAt = time.UnixMilli(createdAt)
	h.UpdatedAt = time.UnixMilli(updatedAt)
	return &h, nil
}

func (s *sqliteStore) HandlerByID(ctx context.Context, id string) (*Handler, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+handlerColumns+` FROM handlers h WHERE h.id = ?`, id)
	h, err := scanHandler(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// MatchContent finds handlers with an allowed channel matching channel and at
// least one content interest whose regex matches content. Regex evaluation and
// the channel/token filters run on the loaded rows; guilds hold few handlers.
func (s *sqliteStore) MatchContent(ctx context.Context, guild, channel, content string) ([]*Handler, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+handlerColumns+`, ic.regex
		FROM handlers h
		JOIN interest_message_content ic ON ic.handler_id = h.id
		WHERE h.guild = ?`, guild)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	seen := map[string]bool{}
	var out []*Handler
	for rows.Next() {
		var h Handler
		var channels, hosts, brain, logs, pattern string
		var lastReset, createdAt, updatedAt int64
		err := rows.Scan(
			&h.ID, &h.Guild, &h.UserID, &h.PluginName,
			&channels, &hosts,
			&h.MaxTokens, &h.CurrentTokens, &lastReset,
			&h.LifetimeCost, &brain, &logs, &createdAt, &updatedAt,
			&pattern,
		)
		if err != nil {
			return nil, err
		}
		if seen[h.ID] {
			continue
		}
		re, err := s.compile(pattern)
		if err != nil {
			s.log.Warn("skipping interest with bad regex", logx.String("handler", h.ID), logx.Err(err))
			continue
		}
		if !re.MatchString(content) {
			continue
		}
		if err := json.Unmarshal([]byte(channels), &h.AllowedChannels); err != nil {
			continue
		}
		if !h.ChannelAllowed(channel) {
			continue
		}
		_ = json.Unmarshal([]byte(hosts), &h.AllowedHosts)
		_ = json.Unmarshal([]byte(brain), &h.Brain)
		delete(h.Brain, protoKey)
		_ = json.Unmarshal([]byte(logs), &h.Logs)
		h.LastReset = time.UnixMilli(lastReset)
		h.CreatedAt = time.UnixMilli(createdAt)
		h.UpdatedAt = time.UnixMilli(updatedAt)

		h.Replenish(now)
		if h.CurrentTokens <= 0 {
			s.log.Warn("skipping handler due to token exhaustion", logx.String("handler", h.ID))
			continue
		}
		seen[h.ID] = true
		hc := h
		out = append(out, &hc)
	}
	return out, rows.Err()
}

// MatchMessageID finds handlers watching exactly messageID.
func (s *sqliteStore) MatchMessageID(ctx context.Context, guild, channel, messageID string) ([]*Handler, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+handlerColumns+`
		FROM handlers h
		JOIN interest_message_id im ON im.handler_id = h.id
		WHERE h.guild = ? AND im.message_id = ?
		GROUP BY h.id`, guild, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	var out []*Handler
	for rows.Next() {
		h, err := scanHandler(rows)
		if err != nil {
			return nil, err
		}
		if !h.ChannelAllowed(channel) {
			continue
		}
		h.Replenish(now)
		if h.CurrentTokens <= 0 {
			s.log.Warn("skipping handler due to token exhaustion", logx.String("handler", h.ID))
			continue
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FinalizeRound(ctx context.Context, updates []HandlerUpdate, invocations []Invocation) error {
	if len(updates) == 0 && len(invocations) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, u := range updates {
		brain, _ := json.Marshal(u.Brain)
		logs, _ := json.Marshal(u.Logs)
		if u.Brain == nil {
			brain = []byte("{}")
		}
		if u.Logs == nil {
			logs = []byte("[]")
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE handlers SET
				ratelimiting_current_tokens = ?,
				ratelimiting_last_reset = ?,
				lifetime_cost = ?,
				brain = ?,
				logs = ?,
				updated_at = ?
			WHERE id = ?`,
			u.CurrentTokens, u.LastReset.UnixMilli(), u.LifetimeCost,
			string(brain), string(logs), now, u.ID)
		if err != nil {
			return err
		}
	}

	if len(invocations) > 0 {
		var sb strings.Builder
		sb.WriteString(`INSERT INTO invocations (id, handler_id, result, duration_ms, cost, logs, created_at) VALUES `)
		args := make([]any, 0, len(invocations)*7)
		for i, inv := range invocations {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("(?,?,?,?,?,?,?)")
			logs, _ := json.Marshal(inv.Logs)
			if inv.Logs == nil {
				logs = []byte("[]")
			}
			id := inv.ID
			if id == "" {
				id = uuid.NewString()
			}
			at := inv.CreatedAt
			if at.IsZero() {
				at = time.Now()
			}
			args = append(args, id, inv.HandlerID, inv.Result, inv.DurationMS, inv.Cost, string(logs), at.UnixMilli())
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LastInvocation(ctx context.Context, userID, pluginName string) (*Invocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT i.id, i.handler_id, i.result, i.duration_ms, i.cost, i.logs, i.created_at
		FROM invocations i
		JOIN handlers h ON h.id = i.handler_id
		WHERE h.user_id = ? AND h.plugin_name = ?
		ORDER BY i.created_at DESC LIMIT 1`, userID, pluginName)

	var inv Invocation
	var logs string
	var createdAt int64
	err := row.Scan(&inv.ID, &inv.HandlerID, &inv.Result, &inv.DurationMS, &inv.Cost, &logs, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(logs), &inv.Logs); err != nil {
		return nil, err
	}
	inv.CreatedAt = time.UnixMilli(createdAt)
	return &inv, nil
}

func (s *sqliteStore) ArtifactByInstall(ctx context.Context, extensionID, installKey string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.etag, a.content_type, a.size, a.data, ix.last_fetch
		FROM install_index ix
		JOIN artifacts a ON a.etag = ix.etag
		WHERE ix.extension_id = ? AND ix.install_key = ?`, extensionID, installKey)

	var art Artifact
	var lastFetch int64
	err := row.Scan(&art.ETag, &art.ContentType, &art.Size, &art.Data, &lastFetch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	art.LastFetch = time.UnixMilli(lastFetch)
	return &art, nil
}

func (s *sqliteStore) PutArtifact(ctx context.Context, extensionID, installKey string, art Artifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifacts (etag, content_type, size, data, created_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(etag) DO NOTHING`,
		art.ETag, art.ContentType, int64(len(art.Data)), art.Data, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	at := art.LastFetch
	if at.IsZero() {
		at = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO install_index (extension_id, install_key, etag, last_fetch)
		VALUES (?,?,?,?)
		ON CONFLICT(extension_id, install_key) DO UPDATE SET etag = excluded.etag, last_fetch = excluded.last_fetch`,
		extensionID, installKey, art.ETag, at.UnixMilli())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) TouchInstall(ctx context.Context, extensionID, installKey string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE install_index SET last_fetch = ? WHERE extension_id = ? AND install_key = ?`,
		at.UnixMilli(), extensionID, installKey)
	return err
}

func (s *sqliteStore) PruneInvocations(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM invocations WHERE created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneArtifacts removes artifact blobs no install points at anymore.
func (s *sqliteStore) PruneArtifacts(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM artifacts WHERE etag NOT IN (SELECT etag FROM install_index)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) compile(pattern string) (*regexp.Regexp, error) {
	s.reMu.RLock()
	re := s.reCache[pattern]
	s.reMu.RUnlock()
	if re != nil {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	s.reMu.Lock()
	s.reCache[pattern] = re
	s.reMu.Unlock()
	return re, nil
}
