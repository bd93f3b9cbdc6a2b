//go:build !vips

package engine

import "fmt"

func newVips(opts Options) (Engine, error) {
	return nil, fmt.Errorf("%w: %s (build with -tags vips)", ErrBackendUnavailable, BackendVips)
}
