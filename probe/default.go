package probe

import (
	"fmt"
	"sync"

	"github.com/wnxd/probedbg/image"
	"github.com/wnxd/probedbg/transport"
)

// The implicit default session gives simple hosts a probe connection
// without carrying a Session value around. It shares the Session
// implementation; the package-level calls below delegate to one lazily
// opened instance.

var (
	defaultMu      sync.Mutex
	defaultDriver  transport.Driver
	defaultFamily  Family
	defaultOpts    []Option
	defaultSession *Session
)

// SetDefaultDriver registers the driver, family and options the default
// session opens with. It must be called before the first default
// operation; changing the driver while the default session is open is
// rejected.
func SetDefaultDriver(drv transport.Driver, family Family, opts ...Option) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if drv == nil {
		return fmt.Errorf("%w: nil driver", ErrInvalidParameter)
	}
	if defaultSession != nil {
		return fmt.Errorf("%w: default session already open", ErrInvalidOperation)
	}
	defaultDriver = drv
	defaultFamily = family
	defaultOpts = opts
	return nil
}

// OpenDefault opens the default session eagerly. Opening twice is an
// error; use CloseDefault in between.
func OpenDefault() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSession != nil {
		return fmt.Errorf("%w: default session already open", ErrInvalidOperation)
	}
	_, err := openDefaultLocked()
	return err
}

// CloseDefault closes the default session. Without one open it is a
// no-op, so teardown paths can call it unconditionally.
func CloseDefault() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSession == nil {
		return nil
	}
	err := defaultSession.Close()
	defaultSession = nil
	return err
}

// Default returns the default session, opening it on first use.
func Default() (*Session, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSession != nil {
		return defaultSession, nil
	}
	return openDefaultLocked()
}

func openDefaultLocked() (*Session, error) {
	if defaultDriver == nil {
		return nil, fmt.Errorf("%w: no default driver registered", ErrInvalidOperation)
	}
	s, err := Open(defaultDriver, defaultFamily, defaultOpts...)
	if err != nil {
		return nil, err
	}
	defaultSession = s
	return s, nil
}

// Connect binds the default session to any probe and then to the
// target behind it.
func Connect() error {
	s, err := Default()
	if err != nil {
		return err
	}
	if err := s.ConnectToAnyProbe(); err != nil {
		return err
	}
	return s.ConnectToDevice()
}

// Program flashes an image through the default session.
func Program(img *image.Image, opts ProgramOptions) error {
	s, err := Default()
	if err != nil {
		return err
	}
	return s.Program(img, opts)
}

// Verify checks an image against the default session's target.
func Verify(img *image.Image, action VerifyAction) error {
	s, err := Default()
	if err != nil {
		return err
	}
	return s.Verify(img, action)
}

// MassErase erases all internal flash through the default session.
func MassErase() error {
	s, err := Default()
	if err != nil {
		return err
	}
	return s.EraseAll()
}

// Recover returns the default session's target to an unprotected, blank
// state.
func Recover() error {
	s, err := Default()
	if err != nil {
		return err
	}
	return s.Recover()
}

// ReadToImage captures memories of the default session's target.
func ReadToImage(opts ReadOptions) (*image.Image, error) {
	s, err := Default()
	if err != nil {
		return nil, err
	}
	return s.ReadToImage(opts)
}
