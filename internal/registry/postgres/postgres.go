package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/permadeploy/internal/domain"
	"github.com/splax/permadeploy/internal/registry"
)

// Migrations holds the goose migrations for the registry schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations holding the SQL files.
const MigrationsDir = "migrations"

const uniqueViolation = "23505"

const recordColumns = `owner, repo_name, repository, branch, install_command, build_command, output_dir,
	sub_directory, protocol_land, wallet_address, last_built_commit, url, undername,
	deploy_count, max_daily_deploys, quota_day, created_at, updated_at`

// Repository implements registry.Store on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ registry.Store = (*Repository)(nil)

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

// Init verifies the schema is reachable. Tables are created by migrations.
func (r *Repository) Init(ctx context.Context) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT to_regclass('deployments') IS NOT NULL`).Scan(&exists); err != nil {
		return fmt.Errorf("check registry schema: %w", err)
	}
	if !exists {
		return fmt.Errorf("registry schema missing: run migrations")
	}
	return nil
}

// Global lists every record in insertion order.
func (r *Repository) Global(ctx context.Context) ([]domain.DeploymentRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM deployments ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.DeploymentRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get fetches one record.
func (r *Repository) Get(ctx context.Context, owner, repoName string) (domain.DeploymentRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM deployments WHERE owner = $1 AND repo_name = $2`, owner, repoName)
	return scanOne(row)
}

// FindByOwner fetches the owner's record.
func (r *Repository) FindByOwner(ctx context.Context, owner string) (domain.DeploymentRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM deployments WHERE owner = $1`, owner)
	return scanOne(row)
}

// Add inserts a record. The owner primary key enforces one repository per owner.
func (r *Repository) Add(ctx context.Context, record domain.DeploymentRecord) error {
	record, err := registry.Prepare(record, r.now())
	if err != nil {
		return err
	}
	const query = `INSERT INTO deployments (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err = r.pool.Exec(ctx, query, recordArgs(record)...)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		existing, lookupErr := r.FindByOwner(ctx, record.Owner)
		if lookupErr == nil && existing.RepoName == record.RepoName {
			return registry.ErrExists
		}
		return fmt.Errorf("%w: %s", registry.ErrOwnerConflict, record.Owner)
	}
	return err
}

// Update applies patch under a row lock.
func (r *Repository) Update(ctx context.Context, owner, repoName string, patch registry.Patch) (domain.DeploymentRecord, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM deployments WHERE owner = $1 AND repo_name = $2 FOR UPDATE`, owner, repoName)
	rec, err := scanOne(row)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	patch.Apply(&rec, r.now())

	const update = `UPDATE deployments SET repository = $3, branch = $4, install_command = $5, build_command = $6,
		output_dir = $7, sub_directory = $8, protocol_land = $9, wallet_address = $10, last_built_commit = $11,
		url = $12, undername = $13, deploy_count = $14, max_daily_deploys = $15, quota_day = $16, updated_at = $17
		WHERE owner = $1 AND repo_name = $2`
	args := recordArgs(rec)
	args = append(args[:16], rec.UpdatedAt)
	tag, err := tx.Exec(ctx, update, args...)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	if tag.RowsAffected() == 0 {
		return domain.DeploymentRecord{}, registry.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.DeploymentRecord{}, err
	}
	return rec, nil
}

// DeployCount returns the deploy count for the current day.
func (r *Repository) DeployCount(ctx context.Context, owner, repoName string) (int, error) {
	rec, err := r.Get(ctx, owner, repoName)
	if err != nil {
		return 0, err
	}
	return rec.EffectiveDeployCount(r.now()), nil
}

// IndividualConfig returns the stored configuration for one deployment.
func (r *Repository) IndividualConfig(ctx context.Context, owner, repoName string) (domain.DeploymentRecord, error) {
	return r.Get(ctx, owner, repoName)
}

// Remove deletes a record.
func (r *Repository) Remove(ctx context.Context, owner, repoName string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM deployments WHERE owner = $1 AND repo_name = $2`, owner, repoName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func recordArgs(rec domain.DeploymentRecord) []any {
	return []any{
		rec.Owner,
		rec.RepoName,
		rec.Repository,
		rec.Branch,
		rec.InstallCommand,
		rec.BuildCommand,
		rec.OutputDir,
		rec.SubDirectory,
		rec.ProtocolLand,
		rec.WalletAddress,
		rec.LastBuiltCommit,
		rec.URL,
		rec.Undername,
		rec.DeployCount,
		rec.MaxDailyDeploys,
		rec.QuotaDay,
		rec.CreatedAt,
		rec.UpdatedAt,
	}
}

func scanOne(row pgx.Row) (domain.DeploymentRecord, error) {
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeploymentRecord{}, registry.ErrNotFound
		}
		return domain.DeploymentRecord{}, err
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (domain.DeploymentRecord, error) {
	var rec domain.DeploymentRecord
	err := row.Scan(
		&rec.Owner,
		&rec.RepoName,
		&rec.Repository,
		&rec.Branch,
		&rec.InstallCommand,
		&rec.BuildCommand,
		&rec.OutputDir,
		&rec.SubDirectory,
		&rec.ProtocolLand,
		&rec.WalletAddress,
		&rec.LastBuiltCommit,
		&rec.URL,
		&rec.Undername,
		&rec.DeployCount,
		&rec.MaxDailyDeploys,
		&rec.QuotaDay,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}
