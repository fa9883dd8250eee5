package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type space string

func (s space) Name() string { return string(s) }

func TestReplica_String(t *testing.T) {
	assert.Equal(t, "replica[2]", New(2, nil).String())
	assert.Equal(t, "replica[0:as0]", New(0, space("as0")).String())
}

func TestReplica_Flags(t *testing.T) {
	r := New(1, nil)
	assert.False(t, r.Suspended())
	r.SetSuspended(true)
	assert.True(t, r.Suspended())

	r.SetMetLeader(true)
	assert.True(t, r.MetLeader())

	r.AddSteps(3)
	r.AddSteps(2)
	assert.Equal(t, int64(5), r.Steps())
}

func TestReplica_WakeupCoalesces(t *testing.T) {
	r := New(0, nil)
	r.Wakeup()
	r.Wakeup()

	select {
	case <-r.Woken():
	default:
		t.Fatal("wakeup before parking was lost")
	}
	select {
	case <-r.Woken():
		t.Fatal("wakeups did not coalesce")
	default:
	}
}
