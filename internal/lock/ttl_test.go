package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive_ScalesWithTimeout(t *testing.T) {
	d := Derive(30 * time.Minute)

	assert.Equal(t, 2106*time.Second, d.TTL) // ceil(1800 * 1.17)
	assert.Equal(t, 594*time.Second, d.Extension)
	assert.Equal(t, d.TTL/10, d.RefreshInterval)
	require.NoError(t, d.Validate(30*time.Minute))
}

func TestDerive_ExtensionFloor(t *testing.T) {
	// Small timeouts hit the 300s extension floor.
	d := Derive(911 * time.Second)
	assert.Equal(t, 301*time.Second, d.Extension) // ceil(911 * 0.33)

	d = Derive(600 * time.Second)
	assert.Equal(t, 300*time.Second, d.Extension)
	assert.NoError(t, d.Validate(600*time.Second))

	// Once the floor reaches the timeout itself the ordering invariant is
	// unsatisfiable and Validate must say so.
	d = Derive(240 * time.Second)
	assert.Error(t, d.Validate(240*time.Second))
}

func TestValidate_Ordering(t *testing.T) {
	timeout := 30 * time.Minute

	good := Derive(timeout)
	require.NoError(t, good.Validate(timeout))

	// Extension below floor.
	bad := good
	bad.Extension = 299 * time.Second
	assert.Error(t, bad.Validate(timeout))

	// Extension at or above the pipeline timeout.
	bad = good
	bad.Extension = timeout
	assert.Error(t, bad.Validate(timeout))

	// TTL not exceeding the pipeline timeout.
	bad = good
	bad.TTL = timeout
	assert.Error(t, bad.Validate(timeout))
}

func TestWithOverrides(t *testing.T) {
	base := Derive(30 * time.Minute)

	d := base.WithOverrides(0, 0)
	assert.Equal(t, base, d)

	d = base.WithOverrides(40*time.Minute, 10*time.Minute)
	assert.Equal(t, 40*time.Minute, d.TTL)
	assert.Equal(t, 4*time.Minute, d.RefreshInterval)
	assert.Equal(t, 10*time.Minute, d.Extension)
}
