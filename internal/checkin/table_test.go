package checkin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterCheckInWaitRoundTrip(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Register("s1"))

	done := make(chan struct{})
	var addr string
	var err error
	go func() {
		addr, err = tbl.Wait(context.Background(), "s1")
		close(done)
	}()

	require.NoError(t, tbl.CheckIn("s1", "localhost:9999"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after CheckIn")
	}
	require.NoError(t, err)
	require.Equal(t, "localhost:9999", addr)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Register("s1"))
	require.Error(t, tbl.Register("s1"))
}

func TestCheckInUnknownSessionFails(t *testing.T) {
	tbl := NewTable()
	require.Error(t, tbl.CheckIn("missing", "localhost:1"))
}

func TestWaitUnregisteredSessionFails(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Wait(context.Background(), "nope")
	require.Error(t, err)
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.Register("s1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := tbl.Wait(ctx, "s1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the entry is removed even on cancellation, so a fresh Register succeeds
	require.NoError(t, tbl.Register("s1"))
}
