package domain

import (
	"path/filepath"

	"github.com/google/uuid"
)

// Build area file names.
const (
	OutputDirName = "output"
	SourceDirName = "source"
	LogFileName   = "build.log"
)

// BuildJob describes one build attempt. It is passed by value and never
// modified after submission.
type BuildJob struct {
	ID             string
	Owner          string
	RepoName       string
	Repository     string
	Branch         string
	InstallCommand string
	BuildCommand   string
	OutputDir      string
	SubDirectory   string
	Root           string
}

// NewBuildJob assigns a fresh identifier to the job.
func NewBuildJob(job BuildJob) BuildJob {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return job
}

// AreaPath is the owner/repository build area.
func (j BuildJob) AreaPath() string {
	return filepath.Join(j.Root, j.Owner, j.RepoName)
}

// OutputPath is where the build artifact lands.
func (j BuildJob) OutputPath() string {
	return filepath.Join(j.AreaPath(), OutputDirName)
}

// SourcePath is the checkout location.
func (j BuildJob) SourcePath() string {
	return filepath.Join(j.AreaPath(), SourceDirName)
}

// LogPath is the build log location.
func (j BuildJob) LogPath() string {
	return filepath.Join(j.AreaPath(), LogFileName)
}

// WorkDir is the directory commands run in, honouring the optional subdirectory.
func (j BuildJob) WorkDir() string {
	if j.SubDirectory == "" {
		return j.SourcePath()
	}
	return filepath.Join(j.SourcePath(), filepath.FromSlash(j.SubDirectory))
}

// BuildResult is the successful outcome of a build job.
type BuildResult struct {
	JobID      string
	OutputPath string
}
