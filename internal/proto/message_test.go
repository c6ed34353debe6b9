package proto

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	origin := PeerInfo{Host: "10.0.0.5", Port: 7000}
	b, err := Encode(TypeRequest, ActionRegister, origin, RegisterRequest{
		Files: []FileEntry{{Name: "report.pdf", Details: json.RawMessage(`"size:1024"`)}},
	})
	require.NoError(t, err)

	env, err := Decode(b)
	require.NoError(t, err)
	require.True(t, Validate(env))
	require.Equal(t, TypeRequest, env.Type)
	require.Equal(t, ActionRegister, env.Action)
	require.Equal(t, origin, env.OriginInfo())

	var req RegisterRequest
	require.NoError(t, env.DecodeData(&req))
	require.Len(t, req.Files, 1)
	require.Equal(t, "report.pdf", req.Files[0].Name)
	require.JSONEq(t, `"size:1024"`, string(req.Files[0].Details))
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{
		"{not json",
		"{\"type\":\"request\",\"action\":\"register\",\"peer_info\":{\"host\":\"h\xff\",\"port\":1},\"data\":{}}",
		"{\"type\":\"request\",\"action\":\"register\",\"peer_info\":{\"host\":\"h\",\"port\":1},\"data\":{\"files\":[[\"a\xfe.pdf\",\"x\"]]}}",
	} {
		_, err := Decode([]byte(raw))
		var de *DecodeError
		require.True(t, errors.As(err, &de), "%q: got %v", raw, err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"ok", `{"type":"request","action":"get_dht","peer_info":{"host":"a","port":1},"data":{}}`, true},
		{"null data still present", `{"type":"request","action":"get_dht","peer_info":{"host":"a","port":1},"data":null}`, true},
		{"missing data", `{"type":"request","action":"get_dht","peer_info":{"host":"a","port":1}}`, false},
		{"missing peer_info", `{"type":"request","action":"get_dht","data":{}}`, false},
		{"unknown type", `{"type":"query","action":"get_dht","peer_info":{"host":"a","port":1},"data":{}}`, false},
		{"unknown action", `{"type":"request","action":"nope","peer_info":{"host":"a","port":1},"data":{}}`, false},
		// Validation does not tie actions to their type.
		{"cross namespace", `{"type":"request","action":"register_ack","peer_info":{"host":"a","port":1},"data":{}}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Decode([]byte(tc.raw))
			require.NoError(t, err)
			require.Equal(t, tc.ok, Validate(env))
		})
	}
}

func TestKnownPair(t *testing.T) {
	require.True(t, KnownPair(TypeRequest, ActionRegister))
	require.True(t, KnownPair(TypeError, ActionTimeout))
	require.True(t, KnownPair(TypeEvent, ActionPeerJoined))
	require.False(t, KnownPair(TypeRequest, ActionRegisterAck))
	require.False(t, KnownPair(TypeEvent, ActionRegister))
}

func TestFileEntryForms(t *testing.T) {
	var req RegisterRequest
	raw := `{"files":[["a.txt","size:3"],["b.txt"],{"filename":"c.txt","size":12},{"filename":"d.txt","details":{"k":"v"}}]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	require.Len(t, req.Files, 4)
	require.JSONEq(t, `"size:3"`, string(req.Files[0].Details))
	require.Nil(t, req.Files[1].Details)
	require.JSONEq(t, `{"size":12}`, string(req.Files[2].Details))
	require.JSONEq(t, `{"k":"v"}`, string(req.Files[3].Details))

	out, err := json.Marshal(req.Files[0])
	require.NoError(t, err)
	require.JSONEq(t, `["a.txt","size:3"]`, string(out))

	var bad FileEntry
	require.Error(t, json.Unmarshal([]byte(`["",""]`), &bad))
	require.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestParsePeerInfo(t *testing.T) {
	p, err := ParsePeerInfo("127.0.0.1:6000")
	require.NoError(t, err)
	require.Equal(t, PeerInfo{Host: "127.0.0.1", Port: 6000}, p)
	require.Equal(t, "127.0.0.1:6000", p.Addr())

	_, err = ParsePeerInfo("127.0.0.1")
	require.Error(t, err)
	_, err = ParsePeerInfo("127.0.0.1:0")
	require.Error(t, err)
}
