package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"request","action":"get_dht","peer_info":{"host":"a","port":1},"data":{}}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameSplitAcrossReads(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 70000)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&oneByteReader{r: &buf})
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), len(got))
	}
}

func TestEncodeFrameRejectsEmpty(t *testing.T) {
	if _, err := EncodeFrame(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestReadFrameLimit(t *testing.T) {
	frame, err := EncodeFrame([]byte("0123456789"))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if _, err := ReadFrameLimit(bytes.NewReader(frame), 4); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge for oversized header, got %v", err)
	}
}

func TestReadFrameWithActionCap(t *testing.T) {
	big := `{"type":"response","action":"file_download_response","peer_info":{"host":"a","port":1},"data":{"pad":"` +
		strings.Repeat("a", 2048) + `"}}`
	frame, err := EncodeFrame([]byte(big))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrameWithActionCap(bytes.NewReader(frame), 1024, MaxSizeForAction)
	if err != nil {
		t.Fatalf("expected large download frame to pass, got %v", err)
	}
	if string(got) != big {
		t.Fatalf("payload mismatch")
	}

	small := strings.Replace(big, "file_download_response", "peer_joined", 1)
	frame, err = EncodeFrame([]byte(small))
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if _, err := ReadFrameWithActionCap(bytes.NewReader(frame), 1024, func(Action) int { return 1024 }); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected cap error, got %v", err)
	}
}

type oneByteReader struct {
	r *bytes.Buffer
}

func (o *oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestSniffStringTopLevelOnly(t *testing.T) {
	cases := []struct {
		prefix string
		want   string
		ok     bool
	}{
		{prefix: `{"type":"request","action":"register","data":{"pad":"xxx`, want: "register", ok: true},
		{prefix: `{"peer_info":{"host":"\"action\":\"register\"","port":1},"action":"peer_joined","da`, want: "peer_joined", ok: true},
		{prefix: `{"peer_info":{"host":"\"action\":\"register\"","port":1},"data":{"pad":"xx`, ok: false},
		{prefix: `{"data":{"action":"register"},"type":"request"}`, ok: false},
		{prefix: `{"action":""}`, ok: false},
		{prefix: `["action","register"]`, ok: false},
	}
	for _, tc := range cases {
		got, ok := sniffString([]byte(tc.prefix), "action")
		if ok != tc.ok || got != tc.want {
			t.Fatalf("sniffString(%s)=%q,%v want %q,%v", tc.prefix, got, ok, tc.want, tc.ok)
		}
	}
}
