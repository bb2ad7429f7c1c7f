package build

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/warden/internal/manifest"
	"github.com/animus-labs/warden/internal/promoter"
	"github.com/animus-labs/warden/internal/resolver"
	"github.com/animus-labs/warden/internal/steward"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

type Report struct {
	ID                string           `json:"id"`
	Status            Status           `json:"status"`
	ManifestDigest    string           `json:"manifest_digest,omitempty"`
	BuildRootDigest   string           `json:"build_root_digest,omitempty"`
	RuntimeRootDigest string           `json:"runtime_root_digest,omitempty"`
	BuildRootBytes    int64            `json:"build_root_bytes,omitempty"`
	RuntimeRootBytes  int64            `json:"runtime_root_bytes,omitempty"`
	Packages          []manifest.Entry `json:"packages,omitempty"`
	Identity          steward.Identity `json:"identity"`
	Port              int              `json:"port"`
	Artifact          string           `json:"artifact,omitempty"`
	ErrorCode         string           `json:"error_code,omitempty"`
	Error             string           `json:"error,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	FinishedAt        time.Time        `json:"finished_at"`
}

var knownErrors = []error{
	ErrInvalidConfig,
	manifest.ErrInvalidManifest,
	resolver.ErrUnresolvableDependency,
	resolver.ErrVersionConflict,
	resolver.ErrFileCollision,
	resolver.ErrPackageNotFound,
	promoter.ErrMissingArtifact,
	promoter.ErrBuildOnlyPath,
	promoter.ErrRuntimeNotSmaller,
	steward.ErrIdentityCreationConflict,
	steward.ErrInsufficientPrivilege,
	steward.ErrSuperuser,
}

// ErrorCode maps err to the stable code stored with a failed build.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "build_failed"
}
