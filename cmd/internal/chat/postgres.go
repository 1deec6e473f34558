package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close it.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - A per-room transactional advisory lock serializes appends within one
//     room, which keeps the sort key strictly monotonic there. Appends to
//     different rooms never contend.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the Postgres-backed store and directory.
type PostgresOption func(*postgresConfig) error

type postgresConfig struct {
	schema string
}

// WithSchema sets the DB schema (default: "relay"). The name is validated
// and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(c *postgresConfig) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		c.schema = schema
		return nil
	}
}

func applyPostgresOptions(opts []PostgresOption) (postgresConfig, error) {
	cfg := postgresConfig{schema: "relay"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	cfg, err := applyPostgresOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, schema: cfg.schema}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Append durably stores a message before returning.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	const op = "chat.Append"
	in, err := validateAppend(in)
	if err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, StorageError{Op: op, Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize appends per room so id minting and row insertion happen in
	// the same order, keeping sort keys strictly monotonic per room.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomID); err != nil {
		return Message{}, StorageError{Op: op, Err: fmt.Errorf("advisory lock: %w", err)}
	}

	messages := pgIdent(s.schema, "messages")

	// The timestamp is decided under the advisory lock, clamped past the
	// room's newest committed key, so appends commit in sort-key order even
	// when a caller raced in with a stale wall-clock reading.
	var last time.Time
	if err := tx.QueryRow(ctx,
		`SELECT created_at FROM `+messages+` WHERE room_id = $1 ORDER BY sort_key DESC LIMIT 1`,
		in.RoomID,
	).Scan(&last); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Message{}, StorageError{Op: op, Err: fmt.Errorf("newest key: %w", err)}
	}
	in.Now = appendClock(in.Now, last)

	msg := newMessage(in)

	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return Message{}, StorageError{Op: op, Err: err}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     room_id, sort_key, id, user_id, content, message_type, attachments, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.RoomID, msg.SortKey(), msg.ID, msg.UserID, msg.Content, string(msg.Type), attachments, msg.CreatedAt,
	); err != nil {
		return Message{}, StorageError{Op: op, Err: fmt.Errorf("insert message: %w", err)}
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, StorageError{Op: op, Err: err}
	}
	return msg, nil
}

// Page returns a newest-first window of the room's history.
func (s *PostgresStore) Page(ctx context.Context, roomID string, limit int, cursor string) (MessagePage, error) {
	const op = "chat.Page"
	if roomID == "" {
		return MessagePage{}, ValidationError{Op: op, Field: "roomId", Msg: "required"}
	}
	afterKey, err := DecodeCursor(cursor)
	if err != nil {
		return MessagePage{}, err
	}
	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	limit = clampLimit(limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var rows pgx.Rows
	if afterKey == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, room_id, user_id, content, message_type, attachments, created_at
			   FROM `+messages+`
			  WHERE room_id = $1
			  ORDER BY sort_key DESC
			  LIMIT $2`,
			roomID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, room_id, user_id, content, message_type, attachments, created_at
			   FROM `+messages+`
			  WHERE room_id = $1 AND sort_key < $2
			  ORDER BY sort_key DESC
			  LIMIT $3`,
			roomID, afterKey, fetch,
		)
	}
	if err != nil {
		return MessagePage{}, StorageError{Op: op, Err: err}
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		var (
			m           Message
			msgType     string
			attachments []byte
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Content, &msgType, &attachments, &m.CreatedAt); err != nil {
			return MessagePage{}, StorageError{Op: op, Err: err}
		}
		m.Type = MessageType(msgType)
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return MessagePage{}, StorageError{Op: op, Err: err}
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, StorageError{Op: op, Err: err}
	}

	page := MessagePage{Messages: msgs, HasMore: len(msgs) > limit}
	if page.HasMore {
		page.Messages = page.Messages[:limit]
		last := page.Messages[len(page.Messages)-1]
		page.NextCursor = EncodeCursor(last.SortKey())
	}
	return page, nil
}

// PostgresDirectory is a RoomDirectory backed by PostgreSQL. Membership is a
// row per (room, user), which makes AddMember idempotent via ON CONFLICT and
// ListForUser an index lookup instead of a full room scan.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresDirectory constructs a Postgres-backed RoomDirectory.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	if pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	cfg, err := applyPostgresOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresDirectory{pool: pool, schema: cfg.schema}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (d *PostgresDirectory) Close() error { return nil }

// Create registers a new room with the creator as its only member.
func (d *PostgresDirectory) Create(ctx context.Context, in CreateRoomInput) (Room, error) {
	const op = "chat.CreateRoom"
	in, err := validateCreateRoom(in)
	if err != nil {
		return Room{}, err
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	room := newRoom(in)

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Room{}, StorageError{Op: op, Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rooms := pgIdent(d.schema, "rooms")
	members := pgIdent(d.schema, "room_members")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+rooms+` (id, name, description, kind, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		room.ID, room.Name, room.Description, string(room.Type), room.CreatedBy, room.CreatedAt,
	); err != nil {
		return Room{}, StorageError{Op: op, Err: err}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+members+` (room_id, user_id) VALUES ($1, $2)`,
		room.ID, room.CreatedBy,
	); err != nil {
		return Room{}, StorageError{Op: op, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Room{}, StorageError{Op: op, Err: err}
	}
	return room, nil
}

// pgQuerier is the read surface shared by the pool and an open transaction,
// so room loads can run either standalone or under an advisory lock.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Get returns one room by id, members included.
func (d *PostgresDirectory) Get(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	return d.getRoom(ctx, d.pool, roomID)
}

func (d *PostgresDirectory) getRoom(ctx context.Context, q pgQuerier, roomID string) (Room, error) {
	const op = "chat.GetRoom"

	rooms := pgIdent(d.schema, "rooms")

	var (
		room Room
		kind string
	)
	err := q.QueryRow(ctx,
		`SELECT id, name, description, kind, created_by, created_at
		   FROM `+rooms+`
		  WHERE id = $1`,
		roomID,
	).Scan(&room.ID, &room.Name, &room.Description, &kind, &room.CreatedBy, &room.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, NotFoundError{Op: op, Resource: "room"}
	}
	if err != nil {
		return Room{}, StorageError{Op: op, Err: err}
	}
	room.Type = RoomType(kind)

	room.Members, err = d.loadMembers(ctx, q, roomID)
	if err != nil {
		return Room{}, StorageError{Op: op, Err: err}
	}
	return room, nil
}

// ListForUser returns every room the user is a member of, oldest first.
func (d *PostgresDirectory) ListForUser(ctx context.Context, userID string) ([]Room, error) {
	const op = "chat.ListRooms"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rooms := pgIdent(d.schema, "rooms")
	members := pgIdent(d.schema, "room_members")

	rows, err := d.pool.Query(ctx,
		`SELECT r.id, r.name, r.description, r.kind, r.created_by, r.created_at
		   FROM `+rooms+` r
		   JOIN `+members+` m ON m.room_id = r.id
		  WHERE m.user_id = $1
		  ORDER BY r.created_at ASC, r.id ASC`,
		userID,
	)
	if err != nil {
		return nil, StorageError{Op: op, Err: err}
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var (
			room Room
			kind string
		)
		if err := rows.Scan(&room.ID, &room.Name, &room.Description, &kind, &room.CreatedBy, &room.CreatedAt); err != nil {
			return nil, StorageError{Op: op, Err: err}
		}
		room.Type = RoomType(kind)
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, StorageError{Op: op, Err: err}
	}

	for i := range out {
		out[i].Members, err = d.loadMembers(ctx, d.pool, out[i].ID)
		if err != nil {
			return nil, StorageError{Op: op, Err: err}
		}
	}
	return out, nil
}

// AddMember joins a user to a room. Joining twice is a no-op success.
func (d *PostgresDirectory) AddMember(ctx context.Context, roomID, userID string) (Room, error) {
	const op = "chat.AddMember"
	if userID == "" {
		return Room{}, ValidationError{Op: op, Field: "userId", Msg: "required"}
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Room{}, StorageError{Op: op, Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The same per-room advisory lock that serializes appends also
	// serializes joins, so two racing joins cannot both pass the direct
	// room capacity check.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, roomID); err != nil {
		return Room{}, StorageError{Op: op, Err: fmt.Errorf("advisory lock: %w", err)}
	}

	room, err := d.getRoom(ctx, tx, roomID)
	if err != nil {
		return Room{}, err
	}
	if err := admit(room, userID); err != nil {
		return Room{}, err
	}

	members := pgIdent(d.schema, "room_members")
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+members+` (room_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (room_id, user_id) DO NOTHING`,
		roomID, userID,
	); err != nil {
		return Room{}, StorageError{Op: op, Err: err}
	}

	room.Members, err = d.loadMembers(ctx, tx, roomID)
	if err != nil {
		return Room{}, StorageError{Op: op, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Room{}, StorageError{Op: op, Err: err}
	}
	return room, nil
}

func (d *PostgresDirectory) loadMembers(ctx context.Context, q pgQuerier, roomID string) ([]string, error) {
	members := pgIdent(d.schema, "room_members")

	rows, err := q.Query(ctx,
		`SELECT user_id FROM `+members+` WHERE room_id = $1 ORDER BY user_id ASC`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
