package steward

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/animus-labs/warden/internal/platform/env"
)

var (
	ErrSuperuser                = errors.New("superuser_identity")
	ErrIdentityCreationConflict = errors.New("identity_creation_conflict")
	ErrInsufficientPrivilege    = errors.New("insufficient_privilege")
)

const (
	DefaultUser  = "app"
	DefaultGroup = "app"
	DefaultID    = 10001
	DefaultHome  = "/app"
	NoLoginShell = "/sbin/nologin"
)

var accountName = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// Identity is the fixed non-privileged account the service runs as.
type Identity struct {
	User  string `json:"user" yaml:"user"`
	Group string `json:"group" yaml:"group"`
	UID   uint32 `json:"uid" yaml:"uid"`
	GID   uint32 `json:"gid" yaml:"gid"`
}

func DefaultIdentity() Identity {
	return Identity{User: DefaultUser, Group: DefaultGroup, UID: DefaultID, GID: DefaultID}
}

// IdentityFromEnv reads WARDEN_USER, WARDEN_GROUP, WARDEN_UID and WARDEN_GID.
func IdentityFromEnv() (Identity, error) {
	def := DefaultIdentity()
	uid, err := env.Uint32("WARDEN_UID", def.UID)
	if err != nil {
		return Identity{}, err
	}
	gid, err := env.Uint32("WARDEN_GID", def.GID)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{
		User:  strings.TrimSpace(env.String("WARDEN_USER", def.User)),
		Group: strings.TrimSpace(env.String("WARDEN_GROUP", def.Group)),
		UID:   uid,
		GID:   gid,
	}
	return id, id.Validate()
}

func (id Identity) Validate() error {
	if !accountName.MatchString(id.User) {
		return fmt.Errorf("invalid user name %q", id.User)
	}
	if !accountName.MatchString(id.Group) {
		return fmt.Errorf("invalid group name %q", id.Group)
	}
	if id.User == "root" || id.Group == "root" {
		return fmt.Errorf("%w: root account", ErrSuperuser)
	}
	if id.UID == 0 || id.GID == 0 {
		return fmt.Errorf("%w: uid=%d gid=%d", ErrSuperuser, id.UID, id.GID)
	}
	return nil
}

func (id Identity) String() string {
	return fmt.Sprintf("%s:%s(%d:%d)", id.User, id.Group, id.UID, id.GID)
}
