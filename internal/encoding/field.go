package encoding

import (
	"hash/fnv"

	"github.com/tarungka/reflow/internal/types"
)

// AppendEncodedField appends one field in the key format.
func AppendEncodedField(buf []byte, f types.Field) []byte {
	return appendField(buf, f)
}

// ReadField decodes one field from the front of data and returns the rest.
func ReadField(data []byte) (types.Field, []byte, error) {
	return decodeField(data)
}

// SchemaID derives a stable identifier from a schema's shape. It prefixes
// every persisted record so a changed schema is detected on restore instead
// of silently misdecoded.
func SchemaID(s types.Schema) uint32 {
	h := fnv.New32a()
	for _, f := range s.Fields {
		h.Write([]byte(f.Name))
		h.Write([]byte{byte(f.Type)})
		if f.Nullable {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	for _, idx := range s.PrimaryIndex {
		h.Write([]byte{byte(idx)})
	}
	return h.Sum32()
}
