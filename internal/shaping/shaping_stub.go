//go:build !linux

package shaping

import (
	"errors"

	"github.com/Lochnair/sqm-autorate/internal/config"
	"github.com/Lochnair/sqm-autorate/internal/util"
)

var errNotLinux = errors.New("traffic shaping is only supported on linux")

// TrafficShaper is a stub; rate control needs rtnetlink.
type TrafficShaper struct{}

func NewShaper(_ config.Config, _ util.Logger) (*TrafficShaper, error) {
	return nil, errNotLinux
}

func (s *TrafficShaper) Apply(_, _ float64) error {
	return errNotLinux
}

func (s *TrafficShaper) Counters() (uint64, uint64, error) {
	return 0, 0, errNotLinux
}
