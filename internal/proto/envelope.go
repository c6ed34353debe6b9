package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize bounds a single frame. File transfers travel inside one
	// envelope, so this is also the largest file a peer can serve.
	MaxFrameSize     = 64 << 20
	SoftMaxFrameSize = 1 << 20
	ActionSniffBytes = 512
)

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame too large")
)

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameLimit(r, MaxFrameSize)
}

func ReadFrameLimit(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 || limit > MaxFrameSize {
		limit = MaxFrameSize
	}
	n, err := readFrameLen(r)
	if err != nil {
		return nil, err
	}
	if int(n) > limit {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadFrameWithActionCap reads frames up to softMax directly. Larger frames
// are only accepted when the action found in the first ActionSniffBytes is
// allowed a bigger cap by actionCap.
func ReadFrameWithActionCap(r io.Reader, softMax int, actionCap func(Action) int) ([]byte, error) {
	n, err := readFrameLen(r)
	if err != nil {
		return nil, err
	}
	if softMax <= 0 || int(n) <= softMax {
		payload := make([]byte, int(n))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	prefixLen := int(n)
	if prefixLen > ActionSniffBytes {
		prefixLen = ActionSniffBytes
	}
	prefix := make([]byte, prefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	action, ok := sniffString(prefix, "action")
	if !ok {
		return nil, fmt.Errorf("%w: no action in first %d bytes", ErrFrameTooLarge, prefixLen)
	}
	maxSize := 0
	if actionCap != nil {
		maxSize = actionCap(Action(action))
	}
	if maxSize <= 0 || int(n) > maxSize {
		return nil, fmt.Errorf("%w: action %s", ErrFrameTooLarge, action)
	}

	payload := make([]byte, int(n))
	copy(payload, prefix)
	if _, err := io.ReadFull(r, payload[len(prefix):]); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		total += n
	}
	return nil
}

// MaxSizeForAction is the default cap used with ReadFrameWithActionCap.
func MaxSizeForAction(a Action) int {
	switch a {
	case ActionFileDownloadResponse, ActionGetDirectoryResponse, ActionDirectoryUpdate, ActionRegister:
		return MaxFrameSize
	default:
		return SoftMaxFrameSize
	}
}

func readFrameLen(r io.Reader) (uint32, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, ErrEmptyFrame
	}
	if n > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	return n, nil
}

// sniffString reads a top-level string field from a possibly truncated
// JSON object. Fields are walked in order, so field must appear before the
// truncation point.
func sniffString(prefix []byte, field string) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(prefix))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return "", false
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		key, ok := tok.(string)
		if !ok {
			return "", false
		}
		if key == field {
			tok, err := dec.Token()
			s, ok := tok.(string)
			return s, err == nil && ok && s != ""
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return "", false
		}
	}
	return "", false
}
