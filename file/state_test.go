package file

import (
	"errors"
	"fmt"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpeedMeter(t *testing.T) {
	tp := &fixedTimeProvider{now: time.Unix(1000, 0)}
	m := newSpeedMeter(tp)

	tp.advance(time.Second)
	m.add(1000)
	assert.InDelta(t, 1000, m.speed, 0.001)

	tp.advance(time.Second)
	m.add(2000)
	assert.InDelta(t, 0.7*1000+0.3*2000, m.speed, 0.001)

	// No elapsed time leaves the average unchanged.
	m.add(5000)
	assert.InDelta(t, 1300, m.speed, 0.001)

	m.reset()
	assert.Zero(t, m.speed)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateCompleted, StateCancelled, StateFailed} {
		assert.True(t, s.Terminal(), s.String())
	}
	for _, s := range []State{StateInitiating, StateNegotiating, StateTransferring, StateResuming} {
		assert.False(t, s.Terminal(), s.String())
	}
	assert.Equal(t, "unknown", State(99).String())
}

func TestReasonOf(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("session: %w", failure(ReasonLocalIO, "write chunk", cause))

	assert.Equal(t, ReasonLocalIO, ReasonOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "session: local I/O: write chunk: disk full", err.Error())
	assert.Equal(t, ReasonNone, ReasonOf(cause))
	assert.Equal(t, ReasonNone, ReasonOf(nil))
}

func TestInfoJSONRoundTrip(t *testing.T) {
	in := Info{
		Direction: DirectionIncoming,
		State:     StateFailed,
		Reason:    ReasonCancelledByPeer,
		Name:      "a.bin",
		Size:      42,
		Started:   time.Unix(1700000000, 0).UTC(),
	}
	data, err := json.Marshal(in)
	assert.NoError(t, err)
	assert.Contains(t, string(data), `"reason":"cancelled by peer"`)

	var out Info
	assert.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Direction, out.Direction)
	assert.Equal(t, in.State, out.State)
	assert.Equal(t, in.Reason, out.Reason)
	assert.Equal(t, in.Name, out.Name)
	assert.True(t, out.Peer.IsZero())
	assert.True(t, out.Hash.IsZero())

	var s State
	assert.Error(t, s.UnmarshalText([]byte("sleeping")))
}
