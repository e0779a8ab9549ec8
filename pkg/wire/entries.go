package wire

import (
	"bytes"
	"encoding/gob"

	"github.com/distsheep/sheepd/pkg/cluster"
)

// EncodeEntries gob-encodes a NodeEntry slice for storage, used by the
// epoch log gateway to persist per-epoch membership snapshots.
func EncodeEntries(entries []cluster.NodeEntry) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(entries); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DecodeEntries reverses EncodeEntries.
func DecodeEntries(data []byte) ([]cluster.NodeEntry, error) {
	var entries []cluster.NodeEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}
