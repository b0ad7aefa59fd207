package mgo

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	mgo "chatgate/data/database/mgo/mongoutil"
	"chatgate/tools/errs"

	"github.com/stretchr/testify/require"
)

func TestManagerKeepsRetryingUntilCancelled(t *testing.T) {
	m := NewManager(&mgo.Config{Database: "chat"})
	var calls atomic.Int32
	m.connect = func(context.Context, *mgo.Config) (*mgo.Client, error) {
		calls.Add(1)
		return nil, errors.New("no route to host")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.StartAsync(ctx)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	require.EqualError(t, m.Err(), "no route to host")

	_, err := m.DB()
	require.True(t, errs.Is(err, errs.ErrUnavailable))

	wctx, wcancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer wcancel()
	require.True(t, errs.Is(m.WaitReady(wctx), errs.ErrUnavailable))
	cancel()
}
