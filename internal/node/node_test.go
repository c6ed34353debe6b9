package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"uwushare/internal/network"
	"uwushare/internal/proto"
	"uwushare/internal/service"
	"uwushare/internal/testutil"
)

func testOptions(t *testing.T) Options {
	return Options{
		Service: service.Options{Addr: "127.0.0.1:0", Interval: time.Hour, HandlerTimeout: 5 * time.Second},
		Logger:  testutil.Logger(t),
	}
}

func startDirectory(t *testing.T, opts DirectoryOptions) *Directory {
	t.Helper()
	if opts.Service.Addr == "" {
		opts.Options = testOptions(t)
	}
	d, err := NewDirectory(opts)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d
}

func startPeer(t *testing.T, dir *Directory, shared string, mutate func(*PeerOptions)) *Peer {
	t.Helper()
	opts := PeerOptions{
		Options:        testOptions(t),
		SharedDir:      shared,
		RequestTimeout: 3 * time.Second,
	}
	if dir != nil {
		opts.Directories = []proto.PeerInfo{dir.Self()}
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := NewPeer(opts)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p
}

func testClient(t *testing.T) *network.Client {
	return network.NewClient(nil, network.ClientOptions{Timeout: 5 * time.Second, Retries: -1, Logger: testutil.Logger(t)})
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
