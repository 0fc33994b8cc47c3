// Package binaryCoder encodes revision records for the store file. Records use
// the protobuf wire format; bodies above a threshold are zstd compressed.
package binaryCoder

import (
	"fmt"
	"sort"
	"sync"

	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// Bodies smaller than this are stored as plain JSON.
const compressThreshold = 1024

// Record field numbers.
const (
	fieldRevID          protowire.Number = 1
	fieldParent         protowire.Number = 2
	fieldDeleted        protowire.Number = 3
	fieldSequence       protowire.Number = 4
	fieldFull           protowire.Number = 5
	fieldBody           protowire.Number = 6
	fieldBodyCompressed protowire.Number = 7
	fieldAttachment     protowire.Number = 8
)

// Attachment field numbers.
const (
	attName        protowire.Number = 1
	attContentType protowire.Number = 2
	attLength      protowire.Number = 3
	attDigest      protowire.Number = 4
	attEncoding    protowire.Number = 5
	attRevPos      protowire.Number = 6
)

var (
	coderOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	coderErr  error
)

func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	coderOnce.Do(func() {
		encoder, coderErr = zstd.NewWriter(nil)
		if coderErr != nil {
			return
		}
		decoder, coderErr = zstd.NewReader(nil)
	})
	return encoder, decoder, coderErr
}

// RevisionToByte encodes everything of rev except DocID, which is part of the
// storage key.
func RevisionToByte(rev model.Revision) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldRevID, protowire.BytesType)
	b = protowire.AppendString(b, rev.RevID.String())
	if !rev.Parent.IsZero() {
		b = protowire.AppendTag(b, fieldParent, protowire.BytesType)
		b = protowire.AppendString(b, rev.Parent.String())
	}
	if rev.Deleted {
		b = protowire.AppendTag(b, fieldDeleted, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, rev.Sequence)
	if rev.Full {
		b = protowire.AppendTag(b, fieldFull, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}

	if rev.Body != nil {
		body, err := rev.Body.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode body of %s: %w", rev.RevID, err)
		}
		compressed := false
		if len(body) >= compressThreshold {
			enc, _, err := zstdCoders()
			if err != nil {
				return nil, fmt.Errorf("zstd: %w", err)
			}
			body = enc.EncodeAll(body, nil)
			compressed = true
		}
		b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
		if compressed {
			b = protowire.AppendTag(b, fieldBodyCompressed, protowire.VarintType)
			b = protowire.AppendVarint(b, 1)
		}
	}

	names := make([]string, 0, len(rev.Attachments))
	for name := range rev.Attachments {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b = protowire.AppendTag(b, fieldAttachment, protowire.BytesType)
		b = protowire.AppendBytes(b, attachmentToByte(rev.Attachments[name]))
	}
	return b, nil
}

func attachmentToByte(a model.Attachment) []byte {
	var b []byte
	b = protowire.AppendTag(b, attName, protowire.BytesType)
	b = protowire.AppendString(b, a.Name)
	b = protowire.AppendTag(b, attContentType, protowire.BytesType)
	b = protowire.AppendString(b, a.ContentType)
	b = protowire.AppendTag(b, attLength, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Length))
	b = protowire.AppendTag(b, attDigest, protowire.BytesType)
	b = protowire.AppendString(b, a.Digest)
	if a.Encoding != "" {
		b = protowire.AppendTag(b, attEncoding, protowire.BytesType)
		b = protowire.AppendString(b, a.Encoding)
	}
	b = protowire.AppendTag(b, attRevPos, protowire.VarintType)
	b = protowire.AppendVarint(b, a.RevPos)
	return b
}

// ByteToRevision decodes a record written by RevisionToByte.
func ByteToRevision(docID string, data []byte) (model.Revision, error) {
	rev := model.Revision{DocID: docID}
	var body []byte
	compressed := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return rev, decodeErr(protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldRevID || num == fieldParent):
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return rev, decodeErr(protowire.ParseError(n))
			}
			data = data[n:]
			id, err := model.ParseRevID(s)
			if err != nil {
				return rev, decodeErr(err)
			}
			if num == fieldRevID {
				rev.RevID = id
			} else {
				rev.Parent = id
			}
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return rev, decodeErr(protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldDeleted:
				rev.Deleted = v != 0
			case fieldSequence:
				rev.Sequence = v
			case fieldFull:
				rev.Full = v != 0
			case fieldBodyCompressed:
				compressed = v != 0
			}
		case typ == protowire.BytesType && num == fieldBody:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return rev, decodeErr(protowire.ParseError(n))
			}
			data = data[n:]
			body = v
		case typ == protowire.BytesType && num == fieldAttachment:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return rev, decodeErr(protowire.ParseError(n))
			}
			data = data[n:]
			att, err := byteToAttachment(v)
			if err != nil {
				return rev, err
			}
			if rev.Attachments == nil {
				rev.Attachments = make(map[string]model.Attachment)
			}
			rev.Attachments[att.Name] = att
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return rev, decodeErr(protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if body != nil {
		if compressed {
			_, dec, err := zstdCoders()
			if err != nil {
				return rev, fmt.Errorf("zstd: %w", err)
			}
			body, err = dec.DecodeAll(body, nil)
			if err != nil {
				return rev, decodeErr(err)
			}
		}
		var obj model.Object
		if err := obj.UnmarshalJSON(body); err != nil {
			return rev, decodeErr(err)
		}
		rev.Body = obj
	}
	return rev, nil
}

func byteToAttachment(data []byte) (model.Attachment, error) {
	var a model.Attachment
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return a, decodeErr(protowire.ParseError(n))
		}
		data = data[n:]
		if typ == protowire.VarintType && (num == attLength || num == attRevPos) {
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return a, decodeErr(protowire.ParseError(n))
			}
			data = data[n:]
			if num == attLength {
				a.Length = int64(v)
			} else {
				a.RevPos = v
			}
			continue
		}
		if typ == protowire.BytesType {
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return a, decodeErr(protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case attName:
				a.Name = s
			case attContentType:
				a.ContentType = s
			case attDigest:
				a.Digest = s
			case attEncoding:
				a.Encoding = s
			}
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return a, decodeErr(protowire.ParseError(n))
		}
		data = data[n:]
	}
	return a, nil
}

func decodeErr(err error) error {
	return fmt.Errorf("%w: corrupt revision record: %v", model.ErrStorage, err)
}
