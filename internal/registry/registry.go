package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/splax/permadeploy/internal/domain"
)

var (
	// ErrNotFound indicates no record exists for the owner and repository.
	ErrNotFound = errors.New("registry: record not found")
	// ErrExists indicates the record is already registered.
	ErrExists = errors.New("registry: record already exists")
	// ErrOwnerConflict indicates the owner already has a different repository registered.
	ErrOwnerConflict = errors.New("registry: owner already has a different repository")
	// ErrInvalidRecord indicates a record is missing its identity.
	ErrInvalidRecord = errors.New("registry: invalid record")
)

// Store persists deployment records. Every mutation is durable before it
// returns. Implementations hold at most one record per owner.
type Store interface {
	Init(ctx context.Context) error
	Global(ctx context.Context) ([]domain.DeploymentRecord, error)
	Get(ctx context.Context, owner, repoName string) (domain.DeploymentRecord, error)
	FindByOwner(ctx context.Context, owner string) (domain.DeploymentRecord, error)
	Add(ctx context.Context, record domain.DeploymentRecord) error
	Update(ctx context.Context, owner, repoName string, patch Patch) (domain.DeploymentRecord, error)
	DeployCount(ctx context.Context, owner, repoName string) (int, error)
	IndividualConfig(ctx context.Context, owner, repoName string) (domain.DeploymentRecord, error)
	Remove(ctx context.Context, owner, repoName string) error
}

// Patch lists the fields an update merges into an existing record. Nil
// fields are left untouched.
type Patch struct {
	Repository      *string
	Branch          *string
	InstallCommand  *string
	BuildCommand    *string
	OutputDir       *string
	SubDirectory    *string
	ProtocolLand    *bool
	WalletAddress   *string
	LastBuiltCommit *string
	URL             *string
	Undername       *string
	MaxDailyDeploys *int

	// IncrementDeployCount bumps the count for the current UTC day, starting
	// over at one when the stored count belongs to an earlier day.
	IncrementDeployCount bool
}

// Apply merges the patch into rec.
func (p Patch) Apply(rec *domain.DeploymentRecord, now time.Time) {
	setString(&rec.Repository, p.Repository)
	setString(&rec.Branch, p.Branch)
	setString(&rec.InstallCommand, p.InstallCommand)
	setString(&rec.BuildCommand, p.BuildCommand)
	setString(&rec.OutputDir, p.OutputDir)
	setString(&rec.SubDirectory, p.SubDirectory)
	setString(&rec.WalletAddress, p.WalletAddress)
	setString(&rec.LastBuiltCommit, p.LastBuiltCommit)
	setString(&rec.URL, p.URL)
	setString(&rec.Undername, p.Undername)
	if p.ProtocolLand != nil {
		rec.ProtocolLand = *p.ProtocolLand
	}
	if p.MaxDailyDeploys != nil {
		rec.MaxDailyDeploys = *p.MaxDailyDeploys
	}
	if p.IncrementDeployCount {
		today := domain.QuotaDayOf(now)
		if rec.QuotaDay != today {
			rec.DeployCount = 0
			rec.QuotaDay = today
		}
		rec.DeployCount++
	}
	rec.UpdatedAt = now.UTC()
}

// Prepare validates a new record and fills its timestamps and quota day.
func Prepare(record domain.DeploymentRecord, now time.Time) (domain.DeploymentRecord, error) {
	if err := domain.ValidSegment(record.Owner); err != nil {
		return record, fmt.Errorf("%w: owner: %v", ErrInvalidRecord, err)
	}
	if err := domain.ValidSegment(record.RepoName); err != nil {
		return record, fmt.Errorf("%w: repository folder: %v", ErrInvalidRecord, err)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now.UTC()
	}
	record.UpdatedAt = now.UTC()
	if record.QuotaDay == "" {
		record.QuotaDay = domain.QuotaDayOf(now)
	}
	return record, nil
}

// String returns a pointer to s for building patches.
func String(s string) *string { return &s }

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
