package directory

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"uwushare/internal/proto"
)

// Snapshot is a detached copy of a directory: filename -> provider -> metadata.
// Mutating a Snapshot never affects the Store it came from.
type Snapshot map[string]map[proto.PeerInfo]json.RawMessage

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for name, providers := range s {
		if len(providers) == 0 {
			continue
		}
		cp := make(map[proto.PeerInfo]json.RawMessage, len(providers))
		for id, meta := range providers {
			cp[id] = cloneRaw(meta)
		}
		out[name] = cp
	}
	return out
}

// Files returns the filenames in s, sorted.
func (s Snapshot) Files() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s Snapshot) Providers(filename string) []proto.PeerInfo {
	providers := s[filename]
	out := make([]proto.PeerInfo, 0, len(providers))
	for id := range providers {
		out = append(out, id)
	}
	SortPeers(out)
	return out
}

// Listing converts s to its wire and disk form.
func (s Snapshot) Listing() proto.Listing {
	out := make(proto.Listing, len(s))
	for name, providers := range s {
		if len(providers) == 0 {
			continue
		}
		hosts := make(map[string]map[string]proto.ProviderRecord)
		for id, meta := range providers {
			ports := hosts[id.Host]
			if ports == nil {
				ports = make(map[string]proto.ProviderRecord)
				hosts[id.Host] = ports
			}
			ports[strconv.Itoa(id.Port)] = proto.ProviderRecord{Details: cloneRaw(meta)}
		}
		out[name] = proto.ListingEntry{Providers: hosts}
	}
	return out
}

// FromListing is the inverse of Snapshot.Listing. Records with an unparsable
// port or an invalid identity are skipped and counted.
func FromListing(l proto.Listing) (Snapshot, int) {
	out := make(Snapshot, len(l))
	skipped := 0
	for name, entry := range l {
		if name == "" {
			skipped++
			continue
		}
		for host, ports := range entry.Providers {
			for portStr, rec := range ports {
				port, err := strconv.Atoi(portStr)
				id := proto.PeerInfo{Host: host, Port: port}
				if err != nil || !id.Valid() {
					skipped++
					continue
				}
				providers := out[name]
				if providers == nil {
					providers = make(map[proto.PeerInfo]json.RawMessage)
					out[name] = providers
				}
				providers[id] = normalizeMeta(rec.Details)
			}
		}
	}
	return out, skipped
}

// Digest hashes the canonical listing form of s. Equal snapshots have equal
// digests regardless of map iteration order.
func (s Snapshot) Digest() [32]byte {
	// encoding/json sorts map keys, which makes the listing canonical.
	b, err := json.Marshal(s.Listing())
	if err != nil {
		return [32]byte{}
	}
	return blake2b.Sum256(b)
}

func SortPeers(peers []proto.PeerInfo) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Host != peers[j].Host {
			return peers[i].Host < peers[j].Host
		}
		return peers[i].Port < peers[j].Port
	})
}

// normalizeMeta stores metadata in compact form so that a value read back from
// the indented backing file compares equal to the one that was written.
func normalizeMeta(b json.RawMessage) json.RawMessage {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return cloneRaw(b)
	}
	return json.RawMessage(buf.Bytes())
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
