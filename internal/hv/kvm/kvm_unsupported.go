//go:build !linux

package kvm

import (
	"fmt"

	"github.com/vesselvm/vessel/internal/hv"
)

func Open() (hv.Hypervisor, error) {
	return nil, fmt.Errorf("kvm: %w", hv.ErrHypervisorUnsupported)
}
