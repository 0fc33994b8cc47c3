// Package model defines the document types shared by every layer of the sync
// engine: revision identifiers, tagged document bodies, revisions and their
// attachments.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// RevID identifies one revision of a document. Its text form is
// "<generation>-<digest>". The zero value means "no revision" and is used as
// the parent of a root revision.
type RevID struct {
	Generation uint64
	Digest     string
}

// ParseRevID parses the "<generation>-<digest>" form.
func ParseRevID(s string) (RevID, error) {
	idx := strings.IndexByte(s, '-')
	if idx <= 0 || idx == len(s)-1 {
		return RevID{}, fmt.Errorf("%w: malformed revision id %q", ErrValidation, s)
	}
	gen, err := strconv.ParseUint(s[:idx], 10, 64)
	if err != nil || gen == 0 {
		return RevID{}, fmt.Errorf("%w: malformed revision generation %q", ErrValidation, s)
	}
	return RevID{Generation: gen, Digest: s[idx+1:]}, nil
}

// MustParseRevID is ParseRevID for literals in tests and examples.
func MustParseRevID(s string) RevID {
	r, err := ParseRevID(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r RevID) String() string {
	if r.IsZero() {
		return ""
	}
	return strconv.FormatUint(r.Generation, 10) + "-" + r.Digest
}

func (r RevID) IsZero() bool {
	return r.Generation == 0 && r.Digest == ""
}

// Compare orders revisions by generation, then byte-wise by digest.
// It returns -1, 0 or +1.
func (r RevID) Compare(o RevID) int {
	switch {
	case r.Generation < o.Generation:
		return -1
	case r.Generation > o.Generation:
		return 1
	}
	return strings.Compare(r.Digest, o.Digest)
}

func (r RevID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RevID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = RevID{}
		return nil
	}
	parsed, err := ParseRevID(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRevIDs parses a list of revision ids, failing on the first bad one.
func ParseRevIDs(in []string) ([]RevID, error) {
	out := make([]RevID, 0, len(in))
	for _, s := range in {
		r, err := ParseRevID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
