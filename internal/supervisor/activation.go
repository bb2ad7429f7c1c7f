package supervisor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
)

const (
	ListenFDEnv = "WARDEN_LISTEN_FD"
	NotifyFDEnv = "WARDEN_NOTIFY_FD"
)

// InheritedListener returns the listener passed down by a supervising
// warden, or false when this process was started directly.
func InheritedListener() (net.Listener, bool, error) {
	f, ok, err := inheritedFile(ListenFDEnv, "warden-listener")
	if !ok || err != nil {
		return nil, ok, err
	}
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, true, fmt.Errorf("inherited listener: %w", err)
	}
	return ln, true, nil
}

// NotifyReady tells a supervising warden that the service accepts work.
// It is a no-op when no notify descriptor was passed.
func NotifyReady() error {
	f, ok, err := inheritedFile(NotifyFDEnv, "warden-notify")
	if !ok || err != nil {
		return err
	}
	defer f.Close()
	_, err = io.WriteString(f, "READY=1\n")
	return err
}

func inheritedFile(key, name string) (*os.File, bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return nil, false, nil
	}
	fd, err := strconv.Atoi(raw)
	if err != nil || fd < 3 {
		return nil, true, fmt.Errorf("%s=%q is not an inherited descriptor", key, raw)
	}
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		return nil, true, errors.New(key + " names an invalid descriptor")
	}
	// Children of this process must not inherit the variable.
	_ = os.Unsetenv(key)
	return f, true, nil
}
