package lock

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// minExtension is the floor for the finalization-window TTL.
const minExtension = 300 * time.Second

// Durations holds the lock TTLs derived from the whole-pipeline timeout.
//
// TTL must exceed the maximum time any single run is allowed to take, so a
// legitimately slow-but-alive run is never pre-empted by its own lock
// expiring. Extension is the shorter TTL applied once all steps have finished
// and the runner enters the post-processing window. RefreshInterval is the
// cadence at which a running step proactively re-extends the lock: at TTL/10,
// up to nine consecutive refresh failures can occur before the lock actually
// expires.
type Durations struct {
	TTL             time.Duration
	Extension       time.Duration
	RefreshInterval time.Duration
}

// Derive computes lock durations from the configured pipeline timeout.
func Derive(pipelineTimeout time.Duration) Durations {
	ttl := ceilSeconds(pipelineTimeout.Seconds() * 1.17)
	ext := ceilSeconds(pipelineTimeout.Seconds() * 0.33)
	if ext < minExtension {
		ext = minExtension
	}
	return Durations{
		TTL:             ttl,
		Extension:       ext,
		RefreshInterval: ttl / 10,
	}
}

// WithOverrides replaces the derived TTLs with explicit values where set.
// Zero values keep the derived defaults.
func (d Durations) WithOverrides(ttl, extension time.Duration) Durations {
	if ttl > 0 {
		d.TTL = ttl
		d.RefreshInterval = ttl / 10
	}
	if extension > 0 {
		d.Extension = extension
	}
	return d
}

// Validate checks the ordering invariant: extension < pipeline timeout < TTL,
// with the extension at or above its floor.
func (d Durations) Validate(pipelineTimeout time.Duration) error {
	if d.Extension < minExtension {
		return eris.Errorf("lock: extension %s below %s floor", d.Extension, minExtension)
	}
	if d.Extension >= pipelineTimeout {
		return eris.Errorf("lock: extension %s must be shorter than pipeline timeout %s", d.Extension, pipelineTimeout)
	}
	if d.TTL <= pipelineTimeout {
		return eris.Errorf("lock: TTL %s must exceed pipeline timeout %s", d.TTL, pipelineTimeout)
	}
	return nil
}

func ceilSeconds(secs float64) time.Duration {
	return time.Duration(math.Ceil(secs)) * time.Second
}
