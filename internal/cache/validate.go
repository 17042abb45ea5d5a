package cache

import (
	"time"

	"github.com/spf13/afero"
)

// Validator decides whether a cached file may be reused.
type Validator interface {
	Valid(fs afero.Fs, path string, now time.Time) bool
}

// ValidatorFunc adapts a time-independent check to a Validator.
type ValidatorFunc func(fs afero.Fs, path string) bool

// Valid calls f.
func (f ValidatorFunc) Valid(fs afero.Fs, path string, _ time.Time) bool {
	return f(fs, path)
}

// Exists accepts any regular file.
type Exists struct{}

// Valid reports whether path is an existing regular file.
func (Exists) Valid(fs afero.Fs, path string, _ time.Time) bool {
	info, err := fs.Stat(path)
	return err == nil && !info.IsDir()
}

// TTL accepts files younger than Max that also satisfy Inner.
// A zero Max never expires; a nil Inner means Exists.
type TTL struct {
	Max   time.Duration
	Inner Validator
}

// Valid checks the file's age and then the inner validator.
func (t TTL) Valid(fs afero.Fs, path string, now time.Time) bool {
	info, err := fs.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if t.Max > 0 && now.Sub(info.ModTime()) > t.Max {
		return false
	}
	inner := t.Inner
	if inner == nil {
		inner = Exists{}
	}
	return inner.Valid(fs, path, now)
}
