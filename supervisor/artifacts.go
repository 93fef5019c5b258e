package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultQRFile and DefaultLoginFlagFile are the well-known filenames
	// the backend writes into its state directory.
	DefaultQRFile        = "whatsapp_qr.png"
	DefaultLoginFlagFile = "login_success.flag"

	DefaultStateDir = "static"
)

// Artifacts observes the two files the backend process writes as side
// effects of its login flow: the QR image and the login-success flag.
// Only presence is observed; contents are owned by the backend.
type Artifacts struct {
	qrPath    string
	loginPath string
}

// NewArtifacts builds an Artifacts watcher rooted at dir.
func NewArtifacts(dir string) *Artifacts {
	if dir == "" {
		dir = DefaultStateDir
	}
	return &Artifacts{
		qrPath:    filepath.Join(dir, DefaultQRFile),
		loginPath: filepath.Join(dir, DefaultLoginFlagFile),
	}
}

// QRPath returns the path the QR image is expected at.
func (a *Artifacts) QRPath() string {
	return a.qrPath
}

// QRAvailable reports whether the QR image currently exists. The check is
// a fresh stat on every call; nothing is cached.
func (a *Artifacts) QRAvailable() bool {
	_, err := os.Stat(a.qrPath)
	return err == nil
}

// LoggedIn reports whether the login flag currently exists.
func (a *Artifacts) LoggedIn() bool {
	_, err := os.Stat(a.loginPath)
	return err == nil
}

// Clear removes both artifacts so a fresh backend session cannot report
// stale QR or login state. Missing files are not an error.
func (a *Artifacts) Clear() error {
	for _, p := range []string{a.qrPath, a.loginPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}
