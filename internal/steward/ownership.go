package steward

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/syndtr/gocapability/capability"
)

// HasChownCapability reports whether this process may give files away.
// Outside linux that means running as uid 0.
func HasChownCapability() (bool, error) {
	if runtime.GOOS != "linux" {
		return os.Geteuid() == 0, nil
	}
	caps, err := capability.NewPid(0)
	if err != nil {
		return false, fmt.Errorf("load capabilities: %w", err)
	}
	return caps.Get(capability.EFFECTIVE, capability.CAP_CHOWN), nil
}

// AssignOwnership hands dir and everything below it to the identity.
// Trees already owned by the identity need no privilege.
func (s *Steward) AssignOwnership(ctx context.Context, dir string) error {
	var pending []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if st, ok := info.Sys().(*syscall.Stat_t); ok && st.Uid == s.id.UID && st.Gid == s.id.GID {
			return nil
		}
		pending = append(pending, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(pending) == 0 {
		return nil
	}

	ok, err := s.canChown()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: CAP_CHOWN required to hand %s to %s", ErrInsufficientPrivilege, dir, s.id)
	}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.chown(p, int(s.id.UID), int(s.id.GID)); err != nil {
			return fmt.Errorf("chown %s: %w", p, err)
		}
	}
	s.logger.Info("ownership assigned", "dir", dir, "entries", len(pending), "identity", s.id.String())
	return nil
}

// ChildCredential returns the credential a child should be started with.
// A process already running as the identity passes its own through.
func (s *Steward) ChildCredential() (*syscall.Credential, error) {
	switch euid := os.Geteuid(); {
	case euid == int(s.id.UID):
		return nil, nil
	case euid == 0:
		return s.Credential(), nil
	default:
		return nil, fmt.Errorf("%w: uid %d cannot switch to %s", ErrInsufficientPrivilege, euid, s.id)
	}
}

// RequireIdentity fails unless the current process already runs as the identity.
func (s *Steward) RequireIdentity() error {
	euid, egid := os.Geteuid(), os.Getegid()
	if euid == 0 {
		return fmt.Errorf("%w: in-process service must not run as root", ErrSuperuser)
	}
	if euid != int(s.id.UID) || egid != int(s.id.GID) {
		return fmt.Errorf("%w: running as %d:%d, expected %s", ErrInsufficientPrivilege, euid, egid, s.id)
	}
	return nil
}
