package gitobj

import (
	"bytes"
	"fmt"
)

// Tag is a parsed annotated tag object. Body holds everything after the
// object/type header lines verbatim (the tag name, tagger, and message).
type Tag struct {
	Object ID
	Type   Kind
	Body   []byte
}

// ParseTag parses the canonical serialization of a tag object.
func ParseTag(raw []byte) (Tag, error) {
	var t Tag

	line, off, ok := peekLine(raw, 0)
	if !ok || !bytes.HasPrefix(line, []byte("object ")) {
		return t, fmt.Errorf("%w: missing object line", ErrMalformedObject)
	}
	obj, err := ParseID(string(line[len("object "):]))
	if err != nil {
		return t, fmt.Errorf("%w: bad object id", ErrMalformedObject)
	}
	t.Object = obj

	line, off, ok = peekLine(raw, off)
	if !ok || !bytes.HasPrefix(line, []byte("type ")) {
		return t, fmt.Errorf("%w: missing type line", ErrMalformedObject)
	}
	t.Type = ParseKind(string(line[len("type "):]))
	if t.Type == KindUnknown {
		return t, fmt.Errorf("%w: unknown tagged type", ErrMalformedObject)
	}

	t.Body = raw[off:]
	return t, nil
}

// Serialize renders the tag back to its canonical byte form.
func (t Tag) Serialize() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Object.String())
	fmt.Fprintf(&buf, "type %s\n", t.Type.String())
	buf.Write(t.Body)
	return buf.Bytes()
}
