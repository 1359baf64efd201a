// Package conflict picks the winning version when the local and remote copies
// of one record disagree. Everything here is pure: no I/O, inputs untouched.
package conflict

import (
	"fmt"
	"strings"

	"github.com/yeremiapane/restaurant-sync/models"
)

type Strategy string

const (
	// StrategyLocal always keeps the device's copy.
	StrategyLocal Strategy = "local"
	// StrategyRemote always keeps the server's copy. Default.
	StrategyRemote Strategy = "remote"
	// StrategyMerge keeps the copy with the later timestamp; ties go to remote.
	StrategyMerge Strategy = "merge"
)

const DefaultStrategy = StrategyRemote

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultStrategy, nil
	case StrategyLocal:
		return StrategyLocal, nil
	case StrategyRemote:
		return StrategyRemote, nil
	case StrategyMerge, "latest", "latest-wins":
		return StrategyMerge, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

type Side int

const (
	SideRemote Side = iota
	SideLocal
)

func (s Side) String() string {
	if s == SideLocal {
		return "local"
	}
	return "remote"
}

// Choose reports which side wins. Unknown strategies behave like remote.
func Choose(local, remote models.Record, strategy Strategy) Side {
	switch strategy {
	case StrategyLocal:
		return SideLocal
	case StrategyMerge:
		if local.Timestamp().After(remote.Timestamp()) {
			return SideLocal
		}
		return SideRemote
	default:
		return SideRemote
	}
}

// Resolve returns a copy of the winning record.
func Resolve(local, remote models.Record, strategy Strategy) models.Record {
	if Choose(local, remote, strategy) == SideLocal {
		return local.Clone()
	}
	return remote.Clone()
}
