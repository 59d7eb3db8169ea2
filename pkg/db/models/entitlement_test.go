package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntitlementWatermark(t *testing.T) {
	at := func(sec int64) *time.Time {
		v := time.Unix(sec, 0)
		return &v
	}
	var ent Entitlement
	assert.False(t, ent.Stale(at(100)))

	ent.Observe(at(200))
	require.NotNil(t, ent.LastEventAt)
	assert.True(t, ent.Stale(at(199)))
	assert.False(t, ent.Stale(at(200)))
	assert.False(t, ent.Stale(nil))

	ent.Observe(at(150))
	ent.Observe(nil)
	assert.EqualValues(t, 200, ent.LastEventAt.Unix())

	ent.Observe(at(300))
	assert.EqualValues(t, 300, ent.LastEventAt.Unix())
}
