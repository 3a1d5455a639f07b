package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	// IndexFile is the entry document of a published site.
	IndexFile = "index.html"

	manifestContentType = "application/x.arweave-manifest+json"
	manifestName        = "arweave/paths"
	manifestVersion     = "0.2.0"
	defaultContentType  = "application/octet-stream"
)

var (
	// ErrIndexMissing indicates the output directory has no index.html.
	ErrIndexMissing = errors.New("storage: index.html not found in output")
	// ErrInsufficientBalance indicates the account cannot pay for the upload.
	ErrInsufficientBalance = errors.New("storage: insufficient balance")
	// ErrUploadFailed indicates a file or manifest upload failed or timed out.
	ErrUploadFailed = errors.New("storage: upload failed")
)

// Manifest binds relative paths to uploaded content addresses.
type Manifest struct {
	Manifest string                  `json:"manifest"`
	Version  string                  `json:"version"`
	Index    ManifestIndex           `json:"index"`
	Paths    map[string]ManifestPath `json:"paths"`
}

// ManifestIndex names the default document.
type ManifestIndex struct {
	Path string `json:"path"`
}

// ManifestPath is one entry of the manifest.
type ManifestPath struct {
	ID string `json:"id"`
}

// Publication describes a published directory.
type Publication struct {
	ID    string
	URL   string
	Files int
	Bytes int64
}

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	FileTimeout     time.Duration
	ManifestTimeout time.Duration
	GatewayURL      string
	Logger          *slog.Logger
}

// Publisher uploads a build output directory file by file and then uploads a
// path manifest whose address identifies the deployment.
type Publisher struct {
	client          Client
	fileTimeout     time.Duration
	manifestTimeout time.Duration
	gateway         string
	logger          *slog.Logger
}

type localFile struct {
	path string
	rel  string
	size int64
}

// NewPublisher constructs a Publisher.
func NewPublisher(client Client, opts PublisherOptions) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initMetrics()
	return &Publisher{
		client:          client,
		fileTimeout:     opts.FileTimeout,
		manifestTimeout: opts.ManifestTimeout,
		gateway:         strings.TrimRight(strings.TrimSpace(opts.GatewayURL), "/"),
		logger:          logger.With("component", "storage"),
	}
}

// Publish uploads dir and returns the manifest address.
func (p *Publisher) Publish(ctx context.Context, dir string) (Publication, error) {
	if err := RewriteIndex(dir); err != nil {
		return Publication{}, err
	}
	files, total, err := collectFiles(dir)
	if err != nil {
		return Publication{}, err
	}

	balance, err := p.client.Balance(ctx)
	if err != nil {
		return Publication{}, fmt.Errorf("%w: balance: %v", ErrUploadFailed, err)
	}
	costs, err := p.client.UploadCosts(ctx, []int64{total})
	if err != nil {
		return Publication{}, fmt.Errorf("%w: upload costs: %v", ErrUploadFailed, err)
	}
	if len(costs) > 0 && balance < costs[0] {
		return Publication{}, fmt.Errorf("%w: balance %d, cost %d", ErrInsufficientBalance, balance, costs[0])
	}
	p.logger.Info("uploading output", "dir", dir, "files", len(files), "bytes", total, "balance", balance)

	manifest := Manifest{
		Manifest: manifestName,
		Version:  manifestVersion,
		Index:    ManifestIndex{Path: IndexFile},
		Paths:    make(map[string]ManifestPath, len(files)),
	}
	for _, file := range files {
		id, err := p.uploadFile(ctx, file)
		if err != nil {
			recordUpload("failure", 0)
			return Publication{}, fmt.Errorf("%w: %s: %v", ErrUploadFailed, file.rel, err)
		}
		recordUpload("success", file.size)
		manifest.Paths[file.rel] = ManifestPath{ID: id}
		p.logger.Debug("uploaded file", "path", file.rel, "id", id, "bytes", file.size)
	}

	body, err := json.Marshal(manifest)
	if err != nil {
		return Publication{}, fmt.Errorf("encode manifest: %w", err)
	}
	uploadCtx, cancel := withOptionalTimeout(ctx, p.manifestTimeout)
	defer cancel()
	id, err := p.client.UploadFile(uploadCtx, bytes.NewReader(body), int64(len(body)), manifestContentType)
	if err != nil {
		return Publication{}, fmt.Errorf("%w: manifest: %v", ErrUploadFailed, err)
	}
	pub := Publication{ID: id, Files: len(files), Bytes: total}
	if p.gateway != "" {
		pub.URL = p.gateway + "/" + id
	}
	p.logger.Info("manifest uploaded", "id", id, "url", pub.URL)
	return pub, nil
}

func (p *Publisher) uploadFile(ctx context.Context, file localFile) (string, error) {
	f, err := os.Open(file.path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	uploadCtx, cancel := withOptionalTimeout(ctx, p.fileTimeout)
	defer cancel()
	return p.client.UploadFile(uploadCtx, f, file.size, ContentType(file.path))
}

// RewriteIndex turns root-absolute asset references in index.html into
// relative ones so the site resolves under a manifest path.
func RewriteIndex(dir string) error {
	path := filepath.Join(dir, IndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrIndexMissing
		}
		return fmt.Errorf("read index: %w", err)
	}
	content := string(data)
	content = strings.ReplaceAll(content, ` src="/`, ` src="./`)
	content = strings.ReplaceAll(content, ` href="/`, ` href="./`)
	if content == string(data) {
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// ContentType resolves a file's media type from its extension, falling back
// to content sniffing.
func ContentType(path string) string {
	if byExt := mime.TypeByExtension(filepath.Ext(path)); byExt != "" {
		return byExt
	}
	detected, err := mimetype.DetectFile(path)
	if err != nil || detected == nil {
		return defaultContentType
	}
	return detected.String()
}

func collectFiles(dir string) ([]localFile, int64, error) {
	var files []localFile
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, localFile{path: path, rel: filepath.ToSlash(rel), size: info.Size()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("enumerate output: %w", err)
	}
	return files, total, nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
