package nakack

import (
	"bytes"
	"encoding/gob"

	"github.com/jabolina/vsync-core/pkg/vsync/types"
)

// encodeBundle serialises a batch of messages into a single XMIT_RSP
// payload. The wire format is opaque to the spec (spec.md §6) as long as
// it is self-describing; gob is used here since both ends are this same
// Go stack.
func encodeBundle(messages []types.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(messages); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBundle(data []byte) ([]types.Message, error) {
	var messages []types.Message
	if len(data) == 0 {
		return nil, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&messages); err != nil {
		return nil, err
	}
	return messages, nil
}
