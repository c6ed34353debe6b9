package proto

import (
	"bytes"
	"testing"

	"uwushare/internal/testutil"
)

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 5, '{', '"', 'a', '"', '}'})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = ReadFrameWithActionCap(bytes.NewReader(data), SoftMaxFrameSize, MaxSizeForAction)
		})
	})
}

func FuzzDecodeEnvelope(f *testing.F) {
	f.Add([]byte(`{"type":"request","action":"register","peer_info":{"host":"10.0.0.5","port":7000},"data":{"files":[["report.pdf","size:1024"]]}}`))
	f.Add([]byte(`{"type":"request","action":"register","peer_info":{"host":"h","port":1},"data":{"files":[{"filename":"a","size":3}]}}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			env, err := Decode(data)
			if err != nil || !Validate(env) {
				return
			}
			var req RegisterRequest
			_ = env.DecodeData(&req)
			_, _ = EncodeEnvelope(env)
		})
	})
}
