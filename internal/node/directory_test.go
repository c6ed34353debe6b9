package node

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"uwushare/internal/network"
	"uwushare/internal/proto"
)

// rawRequest writes body as one frame and decodes the reply.
func rawRequest(t *testing.T, addr, body string) proto.Envelope {
	t.Helper()
	conn, err := network.TCPTransport{}.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, proto.WriteFrame(conn, []byte(body)))
	require.NoError(t, conn.CloseWrite())
	frame, err := proto.ReadFrame(conn)
	require.NoError(t, err)
	env, err := proto.Decode(frame)
	require.NoError(t, err)
	return env
}

func getListing(t *testing.T, addr string) proto.Listing {
	t.Helper()
	resp := rawRequest(t, addr, `{"type":"request","action":"get_dht","peer_info":{"host":"10.0.0.9","port":7100},"data":{}}`)
	require.Equal(t, proto.TypeResponse, resp.Type)
	require.Equal(t, proto.ActionGetDirectoryResponse, resp.Action)
	var dr proto.DirectoryResponse
	require.NoError(t, resp.DecodeData(&dr))
	return dr.DHT
}

func TestRegisterThenQuery(t *testing.T) {
	d := startDirectory(t, DirectoryOptions{})
	resp := rawRequest(t, d.Addr(),
		`{"type":"request","action":"register","peer_info":{"host":"10.0.0.5","port":7000},"data":{"files":[["report.pdf","size:1024"]]}}`)
	require.Equal(t, proto.ActionRegisterAck, resp.Action)

	listing := getListing(t, d.Addr())
	rec, ok := listing["report.pdf"].Providers["10.0.0.5"]["7000"]
	require.True(t, ok, "listing: %+v", listing)
	require.Equal(t, `"size:1024"`, string(rec.Details))
	require.Equal(t, []proto.PeerInfo{{Host: "10.0.0.5", Port: 7000}}, d.ConnectedNodes())
}

func TestEmptyRegisterRemovesProvider(t *testing.T) {
	d := startDirectory(t, DirectoryOptions{})
	rawRequest(t, d.Addr(),
		`{"type":"request","action":"register","peer_info":{"host":"10.0.0.5","port":7000},"data":{"files":[["report.pdf","size:1024"]]}}`)
	rawRequest(t, d.Addr(),
		`{"type":"request","action":"register","peer_info":{"host":"10.0.0.5","port":7000},"data":{"files":[]}}`)
	require.NotContains(t, getListing(t, d.Addr()), "report.pdf")
	require.Empty(t, d.ConnectedNodes())
}

func TestRegisterInvalidIdentity(t *testing.T) {
	d := startDirectory(t, DirectoryOptions{})
	resp := rawRequest(t, d.Addr(),
		`{"type":"request","action":"register","peer_info":{"host":"","port":0},"data":{"files":[["a","b"]]}}`)
	require.Equal(t, proto.TypeError, resp.Type)
	require.Equal(t, proto.ActionError, resp.Action)
	require.Equal(t, 0, d.Store().Len())
}

func TestGetFileAndPeerDiscovery(t *testing.T) {
	d := startDirectory(t, DirectoryOptions{})
	rawRequest(t, d.Addr(),
		`{"type":"request","action":"register","peer_info":{"host":"10.0.0.5","port":7000},"data":{"files":[{"filename":"a.txt","size":3}]}}`)
	rawRequest(t, d.Addr(),
		`{"type":"request","action":"register","peer_info":{"host":"10.0.0.6","port":7000},"data":{"files":[["a.txt",""],["b.txt",""]]}}`)

	resp := rawRequest(t, d.Addr(),
		`{"type":"request","action":"get_file","peer_info":{"host":"10.0.0.9","port":1},"data":{"filename":"a.txt"}}`)
	var loc proto.FileLocation
	require.NoError(t, resp.DecodeData(&loc))
	require.Equal(t, []proto.PeerInfo{{Host: "10.0.0.5", Port: 7000}, {Host: "10.0.0.6", Port: 7000}}, loc.Providers)

	meta, ok := d.Store().Metadata("a.txt", proto.PeerInfo{Host: "10.0.0.5", Port: 7000})
	require.True(t, ok)
	require.JSONEq(t, `{"size":3}`, string(meta))

	resp = rawRequest(t, d.Addr(),
		`{"type":"request","action":"peer_discovery","peer_info":{"host":"10.0.0.9","port":1},"data":{}}`)
	require.Equal(t, proto.ActionPeerList, resp.Action)
	var pl proto.PeerList
	require.NoError(t, resp.DecodeData(&pl))
	require.Len(t, pl.Peers, 2)
}

func TestDirectoryPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dht.json")
	opts := DirectoryOptions{Options: testOptions(t)}
	opts.StorePath = path
	d, err := NewDirectory(opts)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	rawRequest(t, d.Addr(),
		`{"type":"request","action":"register","peer_info":{"host":"10.0.0.5","port":7000},"data":{"files":[["report.pdf","size:1024"]]}}`)
	d.Stop()

	again := startDirectory(t, opts)
	require.Contains(t, getListing(t, again.Addr()), "report.pdf")
	require.Equal(t, int64(1), again.Metrics().Snapshot().Directory.Files)
}

func TestDirectorySweepsStaleProviders(t *testing.T) {
	opts := DirectoryOptions{Options: testOptions(t), ProviderTTL: time.Minute}
	d := startDirectory(t, opts)
	now := time.Now()
	d.live.now = func() time.Time { return now }

	rawRequest(t, d.Addr(),
		`{"type":"request","action":"register","peer_info":{"host":"10.0.0.5","port":7000},"data":{"files":[["old.txt",""]]}}`)
	now = now.Add(30 * time.Second)
	rawRequest(t, d.Addr(),
		`{"type":"request","action":"register","peer_info":{"host":"10.0.0.6","port":7000},"data":{"files":[["new.txt",""]]}}`)

	now = now.Add(45 * time.Second)
	require.NoError(t, d.sweep(context.Background()))
	require.Equal(t, []string{"new.txt"}, d.Store().AllEntries().Files())
	require.Equal(t, 1, d.live.len())
}

func TestDirectoryRejectsUnboundAction(t *testing.T) {
	d := startDirectory(t, DirectoryOptions{})
	env, err := proto.NewEnvelope(proto.TypeRequest, proto.ActionFileDownload, proto.PeerInfo{Host: "127.0.0.1", Port: 1}, json.RawMessage(`{"filename":"x"}`))
	require.NoError(t, err)
	_, err = testClient(t).Request(context.Background(), d.Addr(), env)
	require.ErrorIs(t, err, network.ErrNoResponse)
}

func TestDirectoryCapKeepsLiveProviders(t *testing.T) {
	d := startDirectory(t, DirectoryOptions{Options: testOptions(t), ProviderTTL: time.Hour, LivenessCap: 1})
	rawRequest(t, d.Addr(),
		`{"type":"request","action":"register","peer_info":{"host":"10.0.0.5","port":7000},"data":{"files":[["a.txt",""]]}}`)
	rawRequest(t, d.Addr(),
		`{"type":"request","action":"register","peer_info":{"host":"10.0.0.6","port":7000},"data":{"files":[["b.txt",""]]}}`)
	require.Equal(t, 1, d.live.len())

	require.NoError(t, d.sweep(context.Background()))
	require.Equal(t, []string{"a.txt", "b.txt"}, d.Store().AllEntries().Files())
}

func TestDirectoryWithoutTTLSkipsLiveness(t *testing.T) {
	d := startDirectory(t, DirectoryOptions{})
	require.Nil(t, d.live)
	for _, host := range []string{"10.0.0.5", "10.0.0.6", "10.0.0.7"} {
		rawRequest(t, d.Addr(),
			`{"type":"request","action":"register","peer_info":{"host":"`+host+`","port":7000},"data":{"files":[["a.txt",""]]}}`)
	}
	require.Equal(t, 0, d.live.len())
	require.NoError(t, d.sweep(context.Background()))
	require.Len(t, d.ConnectedNodes(), 3)
}

func TestPeerConnect(t *testing.T) {
	d := startDirectory(t, DirectoryOptions{Options: testOptions(t), LivenessCap: 2})
	rawRequest(t, d.Addr(),
		`{"type":"request","action":"register","peer_info":{"host":"10.0.0.5","port":7000},"data":{"files":[["a.txt",""]]}}`)

	resp := rawRequest(t, d.Addr(),
		`{"type":"request","action":"peer_connect","peer_info":{"host":"10.0.0.7","port":7000},"data":{}}`)
	require.Equal(t, proto.ActionPeerList, resp.Action)
	var pl proto.PeerList
	require.NoError(t, resp.DecodeData(&pl))
	require.Equal(t, []proto.PeerInfo{{Host: "10.0.0.5", Port: 7000}, {Host: "10.0.0.7", Port: 7000}}, pl.Peers)
	require.Len(t, d.ConnectedNodes(), 1, "connecting does not make a provider")

	resp = rawRequest(t, d.Addr(),
		`{"type":"request","action":"peer_discovery","peer_info":{"host":"10.0.0.9","port":1},"data":{}}`)
	require.NoError(t, resp.DecodeData(&pl))
	require.Len(t, pl.Peers, 2)

	resp = rawRequest(t, d.Addr(),
		`{"type":"request","action":"peer_connect","peer_info":{"host":"","port":0},"data":{}}`)
	require.Equal(t, proto.TypeError, resp.Type)

	rawRequest(t, d.Addr(),
		`{"type":"request","action":"peer_connect","peer_info":{"host":"10.0.0.8","port":7000},"data":{}}`)
	resp = rawRequest(t, d.Addr(),
		`{"type":"request","action":"peer_connect","peer_info":{"host":"10.0.0.9","port":7000},"data":{}}`)
	require.Equal(t, proto.TypeError, resp.Type)
	require.Len(t, d.KnownNodes(), 3)
}
