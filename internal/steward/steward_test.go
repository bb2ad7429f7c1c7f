package steward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestSteward(t *testing.T, id Identity, opts ...Option) *Steward {
	t.Helper()
	s, err := New(id, slog.New(slog.NewJSONHandler(io.Discard, nil)), opts...)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return s
}

func writeBase(t *testing.T, rootfs, passwd, group string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(rootfs, "etc"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, "etc", "passwd"), []byte(passwd), 0o644); err != nil {
		t.Fatalf("write passwd: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, "etc", "group"), []byte(group), 0o644); err != nil {
		t.Fatalf("write group: %v", err)
	}
}

const (
	basePasswd = "root:x:0:0:root:/root:/bin/sh\nnobody:x:65534:65534:nobody:/nonexistent:/usr/sbin/nologin\n"
	baseGroup  = "root:x:0:\nnogroup:x:65534:\n"
)

func TestIdentityValidate(t *testing.T) {
	if err := DefaultIdentity().Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	for _, id := range []Identity{
		{User: "root", Group: "app", UID: 10001, GID: 10001},
		{User: "app", Group: "app", UID: 0, GID: 10001},
		{User: "app", Group: "app", UID: 10001, GID: 0},
	} {
		if err := id.Validate(); !errors.Is(err, ErrSuperuser) {
			t.Fatalf("Validate(%v) err=%v, want ErrSuperuser", id, err)
		}
	}
	if err := (Identity{User: "App User", Group: "app", UID: 1, GID: 1}).Validate(); err == nil {
		t.Fatalf("Validate() expected error for invalid name")
	}
}

func TestIdentityFromEnv(t *testing.T) {
	t.Setenv("WARDEN_USER", "svc")
	t.Setenv("WARDEN_GROUP", "svc")
	t.Setenv("WARDEN_UID", "20002")
	t.Setenv("WARDEN_GID", "20003")
	id, err := IdentityFromEnv()
	if err != nil {
		t.Fatalf("IdentityFromEnv() err=%v", err)
	}
	if id.UID != 20002 || id.GID != 20003 || id.User != "svc" {
		t.Fatalf("IdentityFromEnv()=%+v", id)
	}

	t.Setenv("WARDEN_UID", "0")
	if _, err := IdentityFromEnv(); !errors.Is(err, ErrSuperuser) {
		t.Fatalf("IdentityFromEnv() err=%v, want ErrSuperuser", err)
	}
}

func TestEnsureIdentity_Idempotent(t *testing.T) {
	rootfs := t.TempDir()
	writeBase(t, rootfs, basePasswd, baseGroup)
	s := newTestSteward(t, DefaultIdentity())

	changed, err := s.EnsureIdentity(rootfs)
	if err != nil {
		t.Fatalf("EnsureIdentity() err=%v", err)
	}
	if !changed {
		t.Fatalf("EnsureIdentity() changed=false on first run")
	}
	passwd1, _ := os.ReadFile(filepath.Join(rootfs, "etc", "passwd"))
	group1, _ := os.ReadFile(filepath.Join(rootfs, "etc", "group"))
	if !strings.Contains(string(passwd1), "app:x:10001:10001::/app:/sbin/nologin\n") {
		t.Fatalf("passwd=%q", passwd1)
	}
	if !strings.Contains(string(group1), "app:x:10001:\n") {
		t.Fatalf("group=%q", group1)
	}

	changed, err = s.EnsureIdentity(rootfs)
	if err != nil {
		t.Fatalf("EnsureIdentity() second err=%v", err)
	}
	if changed {
		t.Fatalf("EnsureIdentity() changed=true on second run")
	}
	passwd2, _ := os.ReadFile(filepath.Join(rootfs, "etc", "passwd"))
	group2, _ := os.ReadFile(filepath.Join(rootfs, "etc", "group"))
	if string(passwd1) != string(passwd2) || string(group1) != string(group2) {
		t.Fatalf("identity database changed on repeat")
	}
}

func TestEnsureIdentity_EmptyRoot(t *testing.T) {
	rootfs := t.TempDir()
	s := newTestSteward(t, DefaultIdentity())
	if _, err := s.EnsureIdentity(rootfs); err != nil {
		t.Fatalf("EnsureIdentity() err=%v", err)
	}
	info, err := os.Stat(filepath.Join(rootfs, "etc", "passwd"))
	if err != nil {
		t.Fatalf("stat passwd: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("passwd mode=%v, want 0644", info.Mode().Perm())
	}
}

func TestEnsureIdentity_Conflicts(t *testing.T) {
	cases := []struct {
		name   string
		passwd string
		group  string
	}{
		{name: "uid taken", passwd: basePasswd + "web:x:10001:10001::/srv:/bin/sh\n", group: baseGroup},
		{name: "user remapped", passwd: basePasswd + "app:x:1000:1000::/app:/sbin/nologin\n", group: baseGroup},
		{name: "gid taken", passwd: basePasswd, group: baseGroup + "web:x:10001:\n"},
		{name: "group remapped", passwd: basePasswd, group: baseGroup + "app:x:1000:\n"},
		{name: "supplementary", passwd: basePasswd, group: baseGroup + "docker:x:999:app\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rootfs := t.TempDir()
			writeBase(t, rootfs, tc.passwd, tc.group)
			s := newTestSteward(t, DefaultIdentity())
			if _, err := s.EnsureIdentity(rootfs); !errors.Is(err, ErrIdentityCreationConflict) {
				t.Fatalf("EnsureIdentity() err=%v, want ErrIdentityCreationConflict", err)
			}
			passwd, _ := os.ReadFile(filepath.Join(rootfs, "etc", "passwd"))
			if string(passwd) != tc.passwd {
				t.Fatalf("passwd modified on conflict")
			}
		})
	}
}

func TestAssignOwnership(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "main.py"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	id := Identity{User: "svc", Group: "svc", UID: 54321, GID: 54321}
	denied := newTestSteward(t, id, WithCapabilityCheck(func() (bool, error) { return false, nil }))
	if err := denied.AssignOwnership(context.Background(), dir); !errors.Is(err, ErrInsufficientPrivilege) {
		t.Fatalf("AssignOwnership() err=%v, want ErrInsufficientPrivilege", err)
	}

	var chowned []string
	s := newTestSteward(t, id,
		WithCapabilityCheck(func() (bool, error) { return true, nil }),
		WithChown(func(p string, uid, gid int) error {
			if uid != 54321 || gid != 54321 {
				t.Fatalf("chown(%s) uid=%d gid=%d", p, uid, gid)
			}
			chowned = append(chowned, p)
			return nil
		}),
	)
	if err := s.AssignOwnership(context.Background(), dir); err != nil {
		t.Fatalf("AssignOwnership() err=%v", err)
	}
	if len(chowned) != 3 {
		t.Fatalf("chowned %d entries, want 3: %v", len(chowned), chowned)
	}
}

func TestAssignOwnership_AlreadyOwned(t *testing.T) {
	uid, gid := os.Geteuid(), os.Getegid()
	if uid == 0 || gid == 0 {
		t.Skip("identity cannot be root")
	}
	dir := t.TempDir()
	s := newTestSteward(t, Identity{User: "self", Group: "self", UID: uint32(uid), GID: uint32(gid)},
		WithCapabilityCheck(func() (bool, error) { return false, errors.New("should not be asked") }),
	)
	if err := s.AssignOwnership(context.Background(), dir); err != nil {
		t.Fatalf("AssignOwnership() err=%v", err)
	}
}

func TestCredential(t *testing.T) {
	s := newTestSteward(t, DefaultIdentity())
	cred := s.Credential()
	if cred.Uid != DefaultID || cred.Gid != DefaultID {
		t.Fatalf("Credential()=%+v", cred)
	}
	if cred.Groups == nil || len(cred.Groups) != 0 {
		t.Fatalf("Credential().Groups=%v, want empty non-nil", cred.Groups)
	}
}
