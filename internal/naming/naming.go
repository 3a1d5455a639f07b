package naming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Record tag keys written with every binding.
const (
	TagCommit  = "GIT-HASH"
	TagAppName = "App-Name"
	TagOwner   = "Deploy-Owner"
)

var (
	// ErrNameTaken indicates both the desired name and its owner-prefixed
	// variant are bound to someone else.
	ErrNameTaken = errors.New("naming: name already taken")
	// ErrInvalidName indicates the desired name is not a valid record name.
	ErrInvalidName = errors.New("naming: invalid name")
)

var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// Record is one name-to-address binding in the naming service.
type Record struct {
	TransactionID string            `json:"transactionId"`
	TTLSeconds    int               `json:"ttlSeconds"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Client is the naming service collaborator.
type Client interface {
	Records(ctx context.Context) (map[string]Record, error)
	SetRecord(ctx context.Context, name string, record Record) error
}

// Metadata is attached to a binding as tags.
type Metadata struct {
	Owner       string
	Commit      string
	DisplayName string
}

// Binding is the outcome of a successful Bind.
type Binding struct {
	Name    string
	Address string
	Changed bool
}

// Resolver assigns names to published addresses, falling back to an
// owner-prefixed variant when the desired name belongs to someone else.
type Resolver struct {
	client Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewResolver constructs a Resolver writing records with the given TTL.
func NewResolver(client Client, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{client: client, ttl: ttl, logger: logger.With("component", "naming")}
}

// Bind points desired (or owner-desired) at address. A name is usable when it
// is free, already points at address, or was bound by the same owner. When it
// already points at address nothing is written.
func (r *Resolver) Bind(ctx context.Context, desired, address string, meta Metadata) (Binding, error) {
	desired = Normalize(desired)
	if !namePattern.MatchString(desired) {
		return Binding{}, fmt.Errorf("%w: %q", ErrInvalidName, desired)
	}
	if strings.TrimSpace(address) == "" {
		return Binding{}, errors.New("naming: address required")
	}
	records, err := r.client.Records(ctx)
	if err != nil {
		return Binding{}, fmt.Errorf("naming: load records: %w", err)
	}

	for _, name := range candidates(desired, meta.Owner) {
		existing, exists := records[name]
		if exists && existing.TransactionID == address {
			r.logger.Debug("name already bound", "name", name, "address", address)
			return Binding{Name: name, Address: address}, nil
		}
		if exists && (meta.Owner == "" || existing.Tags[TagOwner] != meta.Owner) {
			r.logger.Info("name taken", "name", name, "owner", existing.Tags[TagOwner])
			continue
		}
		record := Record{
			TransactionID: address,
			TTLSeconds:    int(r.ttl / time.Second),
			Tags: map[string]string{
				TagCommit:  meta.Commit,
				TagAppName: meta.DisplayName,
				TagOwner:   meta.Owner,
			},
		}
		if err := r.client.SetRecord(ctx, name, record); err != nil {
			return Binding{}, fmt.Errorf("naming: set record %s: %w", name, err)
		}
		r.logger.Info("name bound", "name", name, "address", address, "owner", meta.Owner)
		return Binding{Name: name, Address: address, Changed: true}, nil
	}
	return Binding{}, fmt.Errorf("%w: %s", ErrNameTaken, desired)
}

// Normalize lowercases and trims a requested name.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func candidates(desired, owner string) []string {
	owner = Normalize(owner)
	if owner == "" {
		return []string{desired}
	}
	prefixed := owner + "-" + desired
	if !namePattern.MatchString(prefixed) {
		return []string{desired}
	}
	return []string{desired, prefixed}
}
