//go:build !linux

package fw

import "errors"

// Detect always fails off Linux: both supported backends are Linux-only.
func Detect() (Backend, error) {
	return nil, errors.New("firewall backends are only supported on linux")
}
