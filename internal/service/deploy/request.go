package deploy

import (
	"fmt"
	"path"
	"strings"

	"github.com/splax/permadeploy/internal/domain"
)

// Request contains deployment parameters from the API.
type Request struct {
	Repository     string `json:"repository"`
	InstallCommand string `json:"installCommand"`
	BuildCommand   string `json:"buildCommand"`
	OutputDir      string `json:"outputDir"`
	Branch         string `json:"branch"`
	SubDirectory   string `json:"subDirectory,omitempty"`
	ProtocolLand   bool   `json:"protocolLand,omitempty"`
	WalletAddress  string `json:"walletAddress,omitempty"`
	RepoName       string `json:"repoName,omitempty"`
	Undername      string `json:"undername,omitempty"`
}

// RequestFromRecord rebuilds the request that produced a record.
func RequestFromRecord(rec domain.DeploymentRecord) Request {
	return Request{
		Repository:     rec.Repository,
		InstallCommand: rec.InstallCommand,
		BuildCommand:   rec.BuildCommand,
		OutputDir:      rec.OutputDir,
		Branch:         rec.Branch,
		SubDirectory:   rec.SubDirectory,
		ProtocolLand:   rec.ProtocolLand,
		WalletAddress:  rec.WalletAddress,
		RepoName:       rec.RepoName,
		Undername:      rec.Undername,
	}
}

// Address derives the owner and repository folder for the request.
func (r Request) Address() (domain.Address, error) {
	return domain.ResolveAddress(r.Repository, r.ProtocolLand, r.WalletAddress, r.RepoName)
}

func (r Request) normalize() Request {
	r.Repository = strings.TrimSpace(r.Repository)
	r.InstallCommand = strings.TrimSpace(r.InstallCommand)
	r.BuildCommand = strings.TrimSpace(r.BuildCommand)
	r.Branch = strings.TrimSpace(r.Branch)
	r.OutputDir = strings.TrimPrefix(strings.TrimSpace(r.OutputDir), "./")
	r.SubDirectory = strings.Trim(strings.TrimPrefix(strings.TrimSpace(r.SubDirectory), "./"), "/")
	r.WalletAddress = strings.TrimSpace(r.WalletAddress)
	r.RepoName = strings.TrimSpace(r.RepoName)
	r.Undername = strings.TrimSpace(r.Undername)
	return r
}

type requiredField struct {
	name  string
	value string
}

func (r Request) validate() error {
	required := []requiredField{
		{"repository", r.Repository},
		{"installCommand", r.InstallCommand},
		{"buildCommand", r.BuildCommand},
		{"outputDir", r.OutputDir},
		{"branch", r.Branch},
	}
	if r.ProtocolLand {
		required = append(required, requiredField{"walletAddress", r.WalletAddress}, requiredField{"repoName", r.RepoName})
	}
	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("%w: %s is required", ErrValidation, field.name)
		}
	}
	if err := relativePath("outputDir", r.OutputDir); err != nil {
		return err
	}
	if r.SubDirectory != "" {
		if err := relativePath("subDirectory", r.SubDirectory); err != nil {
			return err
		}
	}
	if strings.HasPrefix(r.Branch, "-") {
		return fmt.Errorf("%w: branch %q is not a valid ref", ErrValidation, r.Branch)
	}
	return nil
}

func relativePath(field, value string) error {
	cleaned := path.Clean(strings.ReplaceAll(value, `\`, "/"))
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("%w: %s must stay inside the repository", ErrValidation, field)
	}
	return nil
}
