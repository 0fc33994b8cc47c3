package encoding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/textproto"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

const (
	ContentTypeJSON    = "application/json"
	ContentTypeRelated = "multipart/related"
	ContentTypeMixed   = "multipart/mixed"
)

// HasFollowing reports whether any attachment payload travels as a
// separate part.
func (d Document) HasFollowing() bool {
	for _, info := range d.Attachments {
		if info.Follows {
			return true
		}
	}
	return false
}

// MarkFollowing switches every attachment that carries a Source from stub
// to a following part.
func (d Document) MarkFollowing() {
	for name, info := range d.Attachments {
		if info.Source != nil {
			info.Stub, info.Follows = false, true
			d.Attachments[name] = info
		}
	}
}

// WriteRelated writes doc as a multipart/related body: the JSON document
// first, then one part per attachment marked Follows, in name order. The
// payload of each such attachment is read from its Source.
func WriteRelated(ctx context.Context, mw *multipart.Writer, doc Document) error {
	data, err := doc.MarshalJSON()
	if err != nil {
		return err
	}
	pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {ContentTypeJSON}})
	if err != nil {
		return err
	}
	if _, err := pw.Write(data); err != nil {
		return err
	}

	for _, name := range doc.SortedAttachmentNames() {
		info := doc.Attachments[name]
		if !info.Follows {
			continue
		}
		if info.Source == nil {
			return fmt.Errorf("%w: attachment %q follows but has no source", model.ErrValidation, name)
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		if info.ContentType != "" {
			h.Set("Content-Type", info.ContentType)
		}
		if info.Encoding != "" {
			h.Set("Content-Encoding", info.Encoding)
		}
		pw, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if err := copySource(ctx, pw, info.Source); err != nil {
			return fmt.Errorf("attachment %q: %w", name, err)
		}
	}
	return nil
}

func copySource(ctx context.Context, w io.Writer, src model.AttachmentSource) error {
	rc, err := src.Open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

// ReadRelated parses a body written by WriteRelated. Attachment parts are
// matched by filename, or by position among the following attachments when
// a part has none. Payloads are buffered in memory.
func ReadRelated(r io.Reader, boundary string) (Document, error) {
	mr := multipart.NewReader(r, boundary)
	part, err := mr.NextPart()
	if err != nil {
		return Document{}, readError("multipart document", err)
	}
	raw, err := io.ReadAll(part)
	if err != nil {
		return Document{}, readError("multipart document", err)
	}
	var doc Document
	if err := doc.UnmarshalJSON(raw); err != nil {
		return Document{}, err
	}

	var following []string
	for _, name := range doc.SortedAttachmentNames() {
		if doc.Attachments[name].Follows {
			following = append(following, name)
		}
	}
	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Document{}, readError("multipart attachment", err)
		}
		name := partFilename(part)
		if name == "" {
			if i >= len(following) {
				return Document{}, fmt.Errorf("%w: unexpected attachment part %d of %q", model.ErrValidation, i, doc.ID)
			}
			name = following[i]
		}
		info, ok := doc.Attachments[name]
		if !ok || !info.Follows {
			return Document{}, fmt.Errorf("%w: part for undeclared attachment %q of %q", model.ErrValidation, name, doc.ID)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return Document{}, readError(fmt.Sprintf("attachment %q", name), err)
		}
		info.Source = model.InMemorySource{Data: data}
		doc.Attachments[name] = info
	}
	for _, name := range following {
		if doc.Attachments[name].Source == nil {
			return Document{}, fmt.Errorf("%w: attachment %q of %q has no part", model.ErrValidation, name, doc.ID)
		}
	}
	return doc, nil
}

// readError classifies a failure while reading a multipart body. A body
// cut short or a broken connection is transient, anything else is
// malformed input.
func readError(what string, err error) error {
	if errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrTransientNetwork) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %w", model.ErrTransientNetwork, what, err)
	}
	return fmt.Errorf("%w: %s: %w", model.ErrValidation, what, err)
}

// partFilename reads the filename parameter verbatim; Part.FileName would
// strip anything up to the last slash.
func partFilename(p *multipart.Part) string {
	_, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
	if err != nil {
		return ""
	}
	return params["filename"]
}

// WriteMixed writes one part per document: plain JSON when nothing follows,
// a nested multipart/related part otherwise.
func WriteMixed(ctx context.Context, mw *multipart.Writer, docs []Document) error {
	for _, doc := range docs {
		if !doc.HasFollowing() {
			data, err := doc.MarshalJSON()
			if err != nil {
				return err
			}
			pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {ContentTypeJSON}})
			if err != nil {
				return err
			}
			if _, err := pw.Write(data); err != nil {
				return err
			}
			continue
		}

		boundary := multipart.NewWriter(io.Discard).Boundary()
		ct := mime.FormatMediaType(ContentTypeRelated, map[string]string{"boundary": boundary})
		pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {ct}})
		if err != nil {
			return err
		}
		nested := multipart.NewWriter(pw)
		if err := nested.SetBoundary(boundary); err != nil {
			return err
		}
		if err := WriteRelated(ctx, nested, doc); err != nil {
			return err
		}
		if err := nested.Close(); err != nil {
			return err
		}
	}
	return nil
}

// ReadMixed parses a body written by WriteMixed.
func ReadMixed(r io.Reader, boundary string) ([]Document, error) {
	mr := multipart.NewReader(r, boundary)
	var docs []Document
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return docs, nil
		}
		if err != nil {
			return nil, readError("multipart response", err)
		}
		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = ContentTypeJSON
		}
		var doc Document
		if mediaType == ContentTypeRelated {
			doc, err = ReadRelated(part, params["boundary"])
			if err != nil {
				return nil, err
			}
		} else {
			raw, err := io.ReadAll(part)
			if err != nil {
				return nil, readError("multipart response", err)
			}
			if err := doc.UnmarshalJSON(raw); err != nil {
				return nil, err
			}
		}
		docs = append(docs, doc)
	}
}
