package gitobj

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrMalformedObject is returned when an object's canonical serialization
// cannot be parsed into its structured form.
var ErrMalformedObject = errors.New("gitobj: malformed object body")

// Commit is a parsed commit object. Body holds everything after the
// tree/parent header lines verbatim -- author, committer, and message -- and
// is exactly the "template" envelope spec.md describes: every wrapper commit
// shares one fixed Body, and the metadata commit does too.
type Commit struct {
	Tree    ID
	Parents []ID
	Body    []byte
}

// ParseCommit parses the canonical serialization of a commit object, i.e.
// the bytes `git cat-file commit <id>` would emit.
func ParseCommit(raw []byte) (Commit, error) {
	var c Commit

	line, off, ok := peekLine(raw, 0)
	if !ok || !bytes.HasPrefix(line, []byte("tree ")) {
		return c, fmt.Errorf("%w: missing tree line", ErrMalformedObject)
	}
	tree, err := ParseID(string(line[len("tree "):]))
	if err != nil {
		return c, fmt.Errorf("%w: bad tree id", ErrMalformedObject)
	}
	c.Tree = tree

	for {
		line, next, ok := peekLine(raw, off)
		if !ok {
			return c, fmt.Errorf("%w: truncated header", ErrMalformedObject)
		}
		if !bytes.HasPrefix(line, []byte("parent ")) {
			break
		}
		p, err := ParseID(string(line[len("parent "):]))
		if err != nil {
			return c, fmt.Errorf("%w: bad parent id", ErrMalformedObject)
		}
		c.Parents = append(c.Parents, p)
		off = next
	}

	c.Body = raw[off:]
	return c, nil
}

// peekLine returns the line starting at offset off (without its trailing
// newline) and the offset of the byte following that newline.
func peekLine(data []byte, off int) (line []byte, next int, ok bool) {
	i := bytes.IndexByte(data[off:], '\n')
	if i < 0 {
		return nil, off, false
	}
	return data[off : off+i], off + i + 1, true
}

// Serialize renders the commit back to its canonical byte form.
func (c Commit) Serialize() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree.String())
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p.String())
	}
	buf.Write(c.Body)
	return buf.Bytes()
}
