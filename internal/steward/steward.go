// Package steward creates the runtime identity inside an image root and hands
// ownership of the application directory to it.
package steward

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

type Steward struct {
	id       Identity
	home     string
	logger   *slog.Logger
	chown    func(path string, uid, gid int) error
	canChown func() (bool, error)
}

type Option func(*Steward)

// WithHome sets the home directory recorded in etc/passwd.
func WithHome(home string) Option {
	return func(s *Steward) { s.home = home }
}

func WithChown(fn func(path string, uid, gid int) error) Option {
	return func(s *Steward) { s.chown = fn }
}

func WithCapabilityCheck(fn func() (bool, error)) Option {
	return func(s *Steward) { s.canChown = fn }
}

func New(id Identity, logger *slog.Logger, opts ...Option) (*Steward, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Steward{
		id:       id,
		home:     DefaultHome,
		logger:   logger,
		chown:    os.Lchown,
		canChown: HasChownCapability,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !strings.HasPrefix(s.home, "/") {
		return nil, fmt.Errorf("home %q must be absolute", s.home)
	}
	return s, nil
}

func (s *Steward) Identity() Identity { return s.id }

// Credential runs a child as the identity with no supplementary groups.
func (s *Steward) Credential() *syscall.Credential {
	return &syscall.Credential{Uid: s.id.UID, Gid: s.id.GID, Groups: []uint32{}}
}

// EnsureIdentity makes etc/passwd and etc/group below rootfs contain the
// identity. It reports whether either file changed. Existing entries are
// never remapped: any clash is ErrIdentityCreationConflict.
func (s *Steward) EnsureIdentity(rootfs string) (bool, error) {
	passwdPath := filepath.Join(rootfs, "etc", "passwd")
	groupPath := filepath.Join(rootfs, "etc", "group")

	passwd, err := readDB(passwdPath)
	if err != nil {
		return false, err
	}
	group, err := readDB(groupPath)
	if err != nil {
		return false, err
	}

	userFound, err := s.checkPasswd(passwd)
	if err != nil {
		return false, err
	}
	groupFound, err := s.checkGroup(group)
	if err != nil {
		return false, err
	}

	changed := false
	if !groupFound {
		line := fmt.Sprintf("%s:x:%d:", s.id.Group, s.id.GID)
		if err := writeDB(groupPath, appendLine(group, line)); err != nil {
			return false, err
		}
		changed = true
	}
	if !userFound {
		line := fmt.Sprintf("%s:x:%d:%d::%s:%s", s.id.User, s.id.UID, s.id.GID, s.home, NoLoginShell)
		if err := writeDB(passwdPath, appendLine(passwd, line)); err != nil {
			return false, err
		}
		changed = true
	}
	if changed {
		s.logger.Info("identity created", "identity", s.id.String(), "rootfs", rootfs)
	}
	return changed, nil
}

func (s *Steward) checkPasswd(db []byte) (bool, error) {
	found := false
	for i, fields := range records(db) {
		if len(fields) < 7 {
			return false, fmt.Errorf("passwd line %d: malformed entry", i+1)
		}
		uid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return false, fmt.Errorf("passwd line %d: invalid uid: %w", i+1, err)
		}
		gid, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			return false, fmt.Errorf("passwd line %d: invalid gid: %w", i+1, err)
		}
		switch {
		case fields[0] == s.id.User:
			if uint32(uid) != s.id.UID || uint32(gid) != s.id.GID {
				return false, fmt.Errorf("%w: user %s exists as %d:%d", ErrIdentityCreationConflict, s.id.User, uid, gid)
			}
			found = true
		case uint32(uid) == s.id.UID:
			return false, fmt.Errorf("%w: uid %d belongs to %s", ErrIdentityCreationConflict, s.id.UID, fields[0])
		}
	}
	return found, nil
}

func (s *Steward) checkGroup(db []byte) (bool, error) {
	found := false
	for i, fields := range records(db) {
		if len(fields) < 4 {
			return false, fmt.Errorf("group line %d: malformed entry", i+1)
		}
		gid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return false, fmt.Errorf("group line %d: invalid gid: %w", i+1, err)
		}
		own := fields[0] == s.id.Group
		switch {
		case own && uint32(gid) != s.id.GID:
			return false, fmt.Errorf("%w: group %s exists with gid %d", ErrIdentityCreationConflict, s.id.Group, gid)
		case own:
			found = true
		case uint32(gid) == s.id.GID:
			return false, fmt.Errorf("%w: gid %d belongs to %s", ErrIdentityCreationConflict, s.id.GID, fields[0])
		}
		if !own && fields[3] != "" {
			for _, member := range strings.Split(fields[3], ",") {
				if strings.TrimSpace(member) == s.id.User {
					return false, fmt.Errorf("%w: %s is a supplementary member of %s", ErrIdentityCreationConflict, s.id.User, fields[0])
				}
			}
		}
	}
	return found, nil
}

func records(db []byte) [][]string {
	var out [][]string
	for _, line := range strings.Split(string(db), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, strings.Split(line, ":"))
	}
	return out
}

func readDB(p string) ([]byte, error) {
	raw, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(p), err)
	}
	return raw, nil
}

func appendLine(db []byte, line string) []byte {
	out := bytes.Clone(db)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return append(out, line+"\n"...)
}

// writeDB replaces the file atomically so readers never see a partial database.
func writeDB(p string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}
