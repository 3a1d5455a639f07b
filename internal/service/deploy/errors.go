package deploy

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates a malformed request. Nothing was touched.
	ErrValidation = errors.New("deploy: invalid request")
	// ErrConflict indicates the owner already has a different repository.
	ErrConflict = errors.New("deploy: owner already has a different repository deployed")
	// ErrQuotaExceeded indicates the daily deploy limit was reached.
	ErrQuotaExceeded = errors.New("deploy: daily deployment limit reached")
	// ErrSource indicates the latest commit could not be resolved.
	ErrSource = errors.New("deploy: resolve latest commit")
	// ErrBuild indicates the build failed.
	ErrBuild = errors.New("deploy: build failed")
	// ErrUpload indicates publishing the artifact failed.
	ErrUpload = errors.New("deploy: upload failed")
	// ErrNaming indicates the name binding failed under the strict policy.
	ErrNaming = errors.New("deploy: naming failed")
	// ErrRegistry indicates the registry could not be read or written.
	ErrRegistry = errors.New("deploy: registry failure")
	// ErrNotFound indicates no deployment exists for the address.
	ErrNotFound = errors.New("deploy: deployment not found")
)

// Failure stages.
const (
	StageBuild  = "build"
	StageUpload = "upload"
)

// FailureError carries the build log of a failed attempt so callers can show
// it to the tenant.
type FailureError struct {
	Stage string
	Log   []byte
	Err   error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}
