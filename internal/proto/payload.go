package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FileEntry is one advertised file. On the wire it is either a two element
// array ["name", details] or an object {"filename": ..., "size": ..., "details": ...}.
type FileEntry struct {
	Name    string
	Details json.RawMessage
}

func (f FileEntry) MarshalJSON() ([]byte, error) {
	details := f.Details
	if len(details) == 0 {
		details = json.RawMessage(`""`)
	}
	return json.Marshal([]any{f.Name, details})
}

func (f *FileEntry) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("empty file entry")
	}
	switch b[0] {
	case '[':
		var pair []json.RawMessage
		if err := json.Unmarshal(b, &pair); err != nil {
			return err
		}
		if len(pair) == 0 || len(pair) > 2 {
			return fmt.Errorf("file entry: want [name, details], got %d items", len(pair))
		}
		if err := json.Unmarshal(pair[0], &f.Name); err != nil {
			return fmt.Errorf("file entry name: %w", err)
		}
		f.Details = nil
		if len(pair) == 2 {
			f.Details = cloneRaw(pair[1])
		}
	case '{':
		var obj struct {
			Filename string          `json:"filename"`
			Size     *int64          `json:"size"`
			Details  json.RawMessage `json:"details"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		f.Name = obj.Filename
		switch {
		case len(obj.Details) > 0:
			f.Details = cloneRaw(obj.Details)
		case obj.Size != nil:
			d, _ := json.Marshal(map[string]int64{"size": *obj.Size})
			f.Details = d
		default:
			f.Details = nil
		}
	default:
		return fmt.Errorf("file entry: unexpected %q", b[0])
	}
	if f.Name == "" {
		return fmt.Errorf("file entry: missing name")
	}
	return nil
}

type RegisterRequest struct {
	Files []FileEntry `json:"files"`
}

type RegisterAck struct {
	Message string `json:"message"`
	Files   int    `json:"files"`
}

// Listing is the wire and disk form of a directory:
// {"<file>": {"providers": {"<host>": {"<port>": {"details": ...}}}}}.
type Listing map[string]ListingEntry

type ListingEntry struct {
	Providers map[string]map[string]ProviderRecord `json:"providers"`
}

type ProviderRecord struct {
	Details json.RawMessage `json:"details"`
}

type DirectoryResponse struct {
	DHT Listing `json:"dht"`
}

type FileQuery struct {
	Filename string `json:"filename"`
}

type FileLocation struct {
	Filename  string     `json:"filename"`
	Providers []PeerInfo `json:"providers"`
}

type PeerList struct {
	Peers []PeerInfo `json:"peers"`
}

type DownloadRequest struct {
	Filename string `json:"filename"`
}

type DownloadResponse struct {
	Filename string `json:"filename"`
	Found    bool   `json:"found"`
	Size     int64  `json:"size,omitempty"`
	Content  []byte `json:"content,omitempty"`
	Message  string `json:"message,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
