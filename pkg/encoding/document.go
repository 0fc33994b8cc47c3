// Package encoding converts revisions to and from the JSON document form
// used on the replication wire: body fields plus the reserved _id, _rev,
// _deleted, _revisions and _attachments members.
package encoding

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// AttachmentInfo is one entry of _attachments. Exactly one of Stub, Follows
// and inline Data describes where the payload is.
type AttachmentInfo struct {
	model.Attachment
	Stub    bool
	Follows bool
	Data    []byte
}

// Document is a revision in wire form.
type Document struct {
	ID      string
	Rev     model.RevID
	Deleted bool
	Body    model.Object
	// Revisions is the ancestry, leaf first. Empty when _revisions is absent.
	Revisions   []model.RevID
	Attachments map[string]AttachmentInfo
}

// FromRevision builds a document with all attachments as stubs. history is
// the ancestry leaf first and may be nil.
func FromRevision(rev model.Revision, history []model.RevID) Document {
	d := Document{
		ID:        rev.DocID,
		Rev:       rev.RevID,
		Deleted:   rev.Deleted,
		Body:      rev.Body,
		Revisions: history,
	}
	if len(rev.Attachments) > 0 {
		d.Attachments = make(map[string]AttachmentInfo, len(rev.Attachments))
		for name, a := range rev.Attachments {
			a.Name = name
			d.Attachments[name] = AttachmentInfo{Attachment: a, Stub: true}
		}
	}
	return d
}

// FromBranch builds the document of the branch leaf with its ancestry.
func FromBranch(b model.Branch) Document {
	history := make([]model.RevID, len(b.Revisions))
	for i, r := range b.Revisions {
		history[len(b.Revisions)-1-i] = r.RevID
	}
	leaf := b.Leaf()
	leaf.DocID = b.DocID
	return FromRevision(leaf, history)
}

// SortedAttachmentNames lists attachment names in wire order.
func (d Document) SortedAttachmentNames() []string {
	names := make([]string, 0, len(d.Attachments))
	for n := range d.Attachments {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Object returns the document as an ordered JSON object, reserved members
// first.
func (d Document) Object() (model.Object, error) {
	var o model.Object
	if d.ID != "" {
		o = append(o, model.Field{Name: "_id", Value: model.String(d.ID)})
	}
	if !d.Rev.IsZero() {
		o = append(o, model.Field{Name: "_rev", Value: model.String(d.Rev.String())})
	}
	if d.Deleted {
		o = append(o, model.Field{Name: "_deleted", Value: model.Bool(true)})
	}
	if len(d.Revisions) > 0 {
		revs, err := encodeRevisions(d.Revisions)
		if err != nil {
			return nil, err
		}
		o = append(o, model.Field{Name: "_revisions", Value: revs})
	}
	if len(d.Attachments) > 0 {
		var atts model.Object
		for _, name := range d.SortedAttachmentNames() {
			atts = append(atts, model.Field{Name: name, Value: encodeAttachment(d.Attachments[name])})
		}
		o = append(o, model.Field{Name: "_attachments", Value: model.ObjectValue(atts)})
	}
	for _, f := range d.Body {
		if strings.HasPrefix(f.Name, "_") {
			return nil, fmt.Errorf("%w: reserved field %q in body", model.ErrValidation, f.Name)
		}
		o = append(o, f)
	}
	return o, nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	o, err := d.Object()
	if err != nil {
		return nil, err
	}
	return o.MarshalJSON()
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var o model.Object
	if err := o.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("%w: document: %v", model.ErrValidation, err)
	}
	if o == nil {
		return fmt.Errorf("%w: document is null", model.ErrValidation)
	}
	doc, err := FromObject(o)
	if err != nil {
		return err
	}
	*d = doc
	return nil
}

// FromObject splits a decoded JSON object into reserved members and body.
// Unknown reserved members are dropped.
func FromObject(o model.Object) (Document, error) {
	d := Document{Body: model.Object{}}
	for _, f := range o {
		var err error
		switch f.Name {
		case "_id":
			d.ID, err = str(f)
		case "_rev":
			var s string
			if s, err = str(f); err == nil {
				d.Rev, err = model.ParseRevID(s)
			}
		case "_deleted":
			d.Deleted, _ = f.Value.AsBool()
		case "_revisions":
			d.Revisions, err = decodeRevisions(f.Value)
		case "_attachments":
			d.Attachments, err = decodeAttachments(f.Value)
		default:
			if !strings.HasPrefix(f.Name, "_") {
				d.Body = append(d.Body, f)
			}
		}
		if err != nil {
			return Document{}, err
		}
	}
	if len(d.Revisions) > 0 && !d.Rev.IsZero() && d.Revisions[0] != d.Rev {
		return Document{}, fmt.Errorf("%w: _revisions starts at %s but _rev is %s", model.ErrValidation, d.Revisions[0], d.Rev)
	}
	return d, nil
}

// Branch turns the document into an oldest-first branch for insertion.
// Ancestors are metadata stubs. Attachments marked Follows must have had
// their Source filled in by the caller.
func (d Document) Branch() (model.Branch, error) {
	if err := model.ValidateDocID(d.ID); err != nil {
		return model.Branch{}, err
	}
	if d.Rev.IsZero() {
		return model.Branch{}, fmt.Errorf("%w: document %q has no _rev", model.ErrValidation, d.ID)
	}
	history := d.Revisions
	if len(history) == 0 {
		history = []model.RevID{d.Rev}
	}

	revs := make([]model.Revision, len(history))
	for i, id := range history {
		revs[len(history)-1-i] = model.Revision{DocID: d.ID, RevID: id}
	}
	leaf := &revs[len(revs)-1]
	leaf.Deleted = d.Deleted
	leaf.Body = d.Body
	if leaf.Body == nil {
		leaf.Body = model.Object{}
	}
	if len(d.Attachments) > 0 {
		leaf.Attachments = make(map[string]model.Attachment, len(d.Attachments))
		for name, info := range d.Attachments {
			a := info.Attachment
			a.Name = name
			if info.Data != nil {
				a.Source = model.InMemorySource{Data: info.Data}
			}
			if info.Follows && a.Source == nil {
				return model.Branch{}, fmt.Errorf("%w: attachment %q of %q follows but no part was supplied", model.ErrValidation, name, d.ID)
			}
			leaf.Attachments[name] = a
		}
	}
	return model.Branch{DocID: d.ID, Revisions: revs}, nil
}

// encodeRevisions writes {"start": leafGen, "ids": [digests leaf first]}.
func encodeRevisions(history []model.RevID) (model.Value, error) {
	start := history[0].Generation
	ids := make([]model.Value, len(history))
	for i, r := range history {
		if r.Generation != start-uint64(i) {
			return model.Value{}, fmt.Errorf("%w: history is not contiguous at %s", model.ErrValidation, r)
		}
		ids[i] = model.String(r.Digest)
	}
	return model.ObjectValue(model.Object{
		{Name: "start", Value: model.Int(int64(start))},
		{Name: "ids", Value: model.List(ids...)},
	}), nil
}

func decodeRevisions(v model.Value) ([]model.RevID, error) {
	o, ok := v.AsObject()
	if !ok {
		return nil, fmt.Errorf("%w: _revisions is not an object", model.ErrValidation)
	}
	startV, _ := o.Get("start")
	start, ok := startV.AsInt()
	if !ok || start < 1 {
		return nil, fmt.Errorf("%w: _revisions.start is not a positive integer", model.ErrValidation)
	}
	idsV, _ := o.Get("ids")
	ids, ok := idsV.AsList()
	if !ok || len(ids) == 0 || int64(len(ids)) > start {
		return nil, fmt.Errorf("%w: _revisions.ids does not match start %d", model.ErrValidation, start)
	}
	out := make([]model.RevID, len(ids))
	for i, idV := range ids {
		id, ok := idV.AsString()
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: _revisions.ids[%d] is not a string", model.ErrValidation, i)
		}
		out[i] = model.RevID{Generation: uint64(start) - uint64(i), Digest: id}
	}
	return out, nil
}

func encodeAttachment(info AttachmentInfo) model.Value {
	a := info.Attachment
	o := model.Object{}
	if a.ContentType != "" {
		o = append(o, model.Field{Name: "content_type", Value: model.String(a.ContentType)})
	}
	if a.Digest != "" {
		o = append(o, model.Field{Name: "digest", Value: model.String(a.Digest)})
	}
	o = append(o, model.Field{Name: "length", Value: model.Int(a.Length)})
	if a.RevPos > 0 {
		o = append(o, model.Field{Name: "revpos", Value: model.Int(int64(a.RevPos))})
	}
	if a.Encoding != "" {
		o = append(o, model.Field{Name: "encoding", Value: model.String(a.Encoding)})
	}
	switch {
	case info.Data != nil:
		o = append(o, model.Field{Name: "data", Value: model.String(base64.StdEncoding.EncodeToString(info.Data))})
	case info.Follows:
		o = append(o, model.Field{Name: "follows", Value: model.Bool(true)})
	default:
		o = append(o, model.Field{Name: "stub", Value: model.Bool(true)})
	}
	return model.ObjectValue(o)
}

func decodeAttachments(v model.Value) (map[string]AttachmentInfo, error) {
	o, ok := v.AsObject()
	if !ok {
		return nil, fmt.Errorf("%w: _attachments is not an object", model.ErrValidation)
	}
	out := make(map[string]AttachmentInfo, len(o))
	for _, f := range o {
		meta, ok := f.Value.AsObject()
		if !ok {
			return nil, fmt.Errorf("%w: attachment %q is not an object", model.ErrValidation, f.Name)
		}
		info := AttachmentInfo{Attachment: model.Attachment{Name: f.Name}}
		for _, m := range meta {
			var ok bool
			switch m.Name {
			case "content_type":
				info.ContentType, ok = m.Value.AsString()
			case "digest":
				info.Digest, ok = m.Value.AsString()
			case "length":
				info.Length, ok = m.Value.AsInt()
				ok = ok && info.Length >= 0
			case "revpos":
				var n int64
				n, ok = m.Value.AsInt()
				ok = ok && n >= 0
				info.RevPos = uint64(n)
			case "encoding":
				info.Encoding, ok = m.Value.AsString()
			case "stub":
				info.Stub, ok = m.Value.AsBool()
			case "follows":
				info.Follows, ok = m.Value.AsBool()
			case "data":
				var s string
				if s, ok = m.Value.AsString(); ok {
					data, err := base64.StdEncoding.DecodeString(s)
					if err != nil {
						return nil, fmt.Errorf("%w: attachment %q data: %v", model.ErrValidation, f.Name, err)
					}
					info.Data = data
				}
			default:
				ok = true
			}
			if !ok {
				return nil, fmt.Errorf("%w: attachment %q has a malformed %s", model.ErrValidation, f.Name, m.Name)
			}
		}
		if !info.Stub && !info.Follows && info.Data == nil {
			return nil, fmt.Errorf("%w: attachment %q has neither stub, follows nor data", model.ErrValidation, f.Name)
		}
		if info.Data != nil && info.Length == 0 {
			info.Length = int64(len(info.Data))
		}
		out[f.Name] = info
	}
	return out, nil
}

func str(f model.Field) (string, error) {
	s, ok := f.Value.AsString()
	if !ok {
		return "", fmt.Errorf("%w: %s is not a string", model.ErrValidation, f.Name)
	}
	return s, nil
}
