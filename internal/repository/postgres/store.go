// Package postgres implements repository.Store on PostgreSQL. A container is a
// schema and a collection is a key/value table inside it.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"aivr-agent/internal/repository"
)

const (
	// Columns
	keyColumn     = "key"
	valueColumn   = "value"
	expiresColumn = "expires_at"

	// SQLSTATE codes
	codeDuplicateSchema    = "42P06"
	codeDuplicateTable     = "42P07"
	codeUniqueViolation    = "23505"
	codeUndefinedTable     = "42P01"
	codeInvalidSchemaName  = "3F000"
	codeSerialization      = "40001"
	codeDeadlock           = "40P01"
	codeTooManyConnections = "53300"
)

// querier is the subset of pgxpool.Pool used by Store.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db      querier
	builder squirrel.StatementBuilderType
}

// New wraps an existing connection pool or transaction.
func New(db querier) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres: db must not be nil")
	}
	return &Store{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}, nil
}

// Connect opens a pool for dsn and checks connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: Connect - pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: Connect - pool.Ping: %w", err)
	}
	return pool, nil
}

func table(col repository.Collection) string {
	return pgx.Identifier{col.Container, col.Name}.Sanitize()
}

func (s *Store) LookupContainer(ctx context.Context, name string) (repository.Container, error) {
	sql, args, err := s.builder.
		Select("1").
		From("information_schema.schemata").
		Where(squirrel.Eq{"schema_name": name}).
		ToSql()
	if err != nil {
		return repository.Container{}, repository.NewError(repository.KindOther, "LookupContainer", err)
	}

	var one int
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&one); err != nil {
		return repository.Container{}, classify("LookupContainer", err)
	}
	return repository.Container{Name: name}, nil
}

func (s *Store) CreateContainer(ctx context.Context, name string) (repository.Container, error) {
	if _, err := s.db.Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{name}.Sanitize()); err != nil {
		return repository.Container{}, classify("CreateContainer", err)
	}
	return repository.Container{Name: name}, nil
}

func (s *Store) LookupCollection(ctx context.Context, c repository.Container, name string) (repository.Collection, error) {
	sql, args, err := s.builder.
		Select("1").
		From("information_schema.tables").
		Where(squirrel.Eq{"table_schema": c.Name, "table_name": name}).
		ToSql()
	if err != nil {
		return repository.Collection{}, repository.NewError(repository.KindOther, "LookupCollection", err)
	}

	var one int
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&one); err != nil {
		return repository.Collection{}, classify("LookupCollection", err)
	}
	return repository.Collection{Container: c.Name, Name: name}, nil
}

func (s *Store) CreateCollection(ctx context.Context, c repository.Container, name string) (repository.Collection, error) {
	col := repository.Collection{Container: c.Name, Name: name}
	ddl := fmt.Sprintf(`CREATE TABLE %s (
		%s TEXT PRIMARY KEY,
		%s TEXT NOT NULL,
		%s BIGINT
	)`, table(col), keyColumn, valueColumn, expiresColumn)

	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return repository.Collection{}, classify("CreateCollection", err)
	}
	return col, nil
}

func (s *Store) GetItem(ctx context.Context, col repository.Collection, key string) (repository.Document, error) {
	sql, args, err := s.builder.
		Select(valueColumn, expiresColumn).
		From(table(col)).
		Where(squirrel.Eq{keyColumn: key}).
		ToSql()
	if err != nil {
		return repository.Document{}, repository.NewError(repository.KindOther, "GetItem", err)
	}

	var (
		doc     repository.Document
		expires *int64
	)
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&doc.Value, &expires); err != nil {
		return repository.Document{}, classify("GetItem", err)
	}
	if expires != nil {
		doc.ExpiresAt = *expires
	}
	return doc, nil
}

// UpdateItem fails with KindNotFound when no row matched.
func (s *Store) UpdateItem(ctx context.Context, col repository.Collection, key string, doc repository.Document) error {
	sql, args, err := s.builder.
		Update(table(col)).
		Set(valueColumn, doc.Value).
		Set(expiresColumn, nullableExpiry(doc.ExpiresAt)).
		Where(squirrel.Eq{keyColumn: key}).
		ToSql()
	if err != nil {
		return repository.NewError(repository.KindOther, "UpdateItem", err)
	}

	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return classify("UpdateItem", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.NewError(repository.KindNotFound, "UpdateItem", fmt.Errorf("key %q", key))
	}
	return nil
}

// CreateItem fails with KindAlreadyExists on a primary key conflict.
func (s *Store) CreateItem(ctx context.Context, col repository.Collection, key string, doc repository.Document) error {
	sql, args, err := s.builder.
		Insert(table(col)).
		Columns(keyColumn, valueColumn, expiresColumn).
		Values(key, doc.Value, nullableExpiry(doc.ExpiresAt)).
		ToSql()
	if err != nil {
		return repository.NewError(repository.KindOther, "CreateItem", err)
	}

	if _, err := s.db.Exec(ctx, sql, args...); err != nil {
		return classify("CreateItem", err)
	}
	return nil
}

// DeleteItem fails with KindNotFound when no row matched.
func (s *Store) DeleteItem(ctx context.Context, col repository.Collection, key string) error {
	sql, args, err := s.builder.
		Delete(table(col)).
		Where(squirrel.Eq{keyColumn: key}).
		ToSql()
	if err != nil {
		return repository.NewError(repository.KindOther, "DeleteItem", err)
	}

	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return classify("DeleteItem", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.NewError(repository.KindNotFound, "DeleteItem", fmt.Errorf("key %q", key))
	}
	return nil
}

func (s *Store) DeleteItemIfExpires(ctx context.Context, col repository.Collection, key string, expiresAt int64) error {
	sql, args, err := s.builder.
		Delete(table(col)).
		Where(squirrel.Eq{keyColumn: key, expiresColumn: expiresAt}).
		ToSql()
	if err != nil {
		return repository.NewError(repository.KindOther, "DeleteItemIfExpires", err)
	}

	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return classify("DeleteItemIfExpires", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.NewError(repository.KindNotFound, "DeleteItemIfExpires", fmt.Errorf("key %q at %d", key, expiresAt))
	}
	return nil
}

func nullableExpiry(ms int64) *int64 {
	if ms <= 0 {
		return nil
	}
	return &ms
}

func classify(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.NewError(repository.KindNotFound, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeDuplicateSchema, codeDuplicateTable, codeUniqueViolation:
			return repository.NewError(repository.KindAlreadyExists, op, err)
		case codeUndefinedTable, codeInvalidSchemaName:
			return repository.NewError(repository.KindNotFound, op, err)
		case codeSerialization, codeDeadlock, codeTooManyConnections:
			return repository.NewError(repository.KindTransient, op, err)
		default:
			return repository.NewError(repository.KindOther, op, err)
		}
	}
	return repository.NewError(repository.KindTransient, op, err)
}
