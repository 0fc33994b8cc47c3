package apiServer

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	ouroboros "github.com/i5heu/ouroboros-sync"
	"github.com/i5heu/ouroboros-sync/pkg/encoding"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

const maxAllDocsLimit = 1000

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.datastore(w, r)
	if !ok {
		return
	}
	docID := r.PathValue("doc")
	q := r.URL.Query()
	if q.Has("open_revs") {
		s.writeOpenRevs(w, r, ds, docID)
		return
	}

	rev, err := parseOptionalRev(q.Get("rev"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	got, err := ds.Get(r.Context(), docID, rev)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var history []model.RevID
	if q.Get("revs") == "true" {
		revs, err := ds.History(r.Context(), docID, got.RevID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		for _, h := range revs {
			history = append(history, h.RevID)
		}
	}
	doc := encoding.FromRevision(got, history)
	w.Header().Set("ETag", strconv.Quote(got.RevID.String()))
	writeJSON(w, http.StatusOK, doc)
}

func parseOptionalRev(raw string) (model.RevID, error) {
	if raw == "" {
		return model.RevID{}, nil
	}
	return model.ParseRevID(raw)
}

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.datastore(w, r)
	if !ok {
		return
	}
	docID := r.PathValue("doc")
	if r.URL.Query().Get("new_edits") == "false" {
		s.putReplicated(w, r, ds, docID)
		return
	}

	doc, err := readDocument(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if doc.Rev.IsZero() {
		if doc.Rev, err = parseOptionalRev(r.URL.Query().Get("rev")); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	rev, err := applyEdit(r, ds, docID, doc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, editResponse{OK: true, ID: docID, Rev: rev.RevID.String()})
}

// applyEdit makes doc the next revision after doc.Rev, or the first one
// when doc.Rev is zero.
func applyEdit(r *http.Request, ds *ouroboros.Datastore, docID string, doc encoding.Document) (model.Revision, error) {
	if doc.ID != "" && doc.ID != docID {
		return model.Revision{}, fmt.Errorf("%w: body _id %q does not match %q", model.ErrValidation, doc.ID, docID)
	}
	if doc.Deleted {
		if doc.Rev.IsZero() {
			return model.Revision{}, fmt.Errorf("%w: deleting %q needs a rev", model.ErrValidation, docID)
		}
		return ds.Delete(r.Context(), docID, doc.Rev)
	}
	var atts []model.Attachment
	for _, name := range doc.SortedAttachmentNames() {
		info := doc.Attachments[name]
		a := info.Attachment
		a.Name = name
		switch {
		case info.Data != nil:
			a.Source = model.InMemorySource{Data: info.Data}
		case info.Follows && a.Source == nil:
			return model.Revision{}, fmt.Errorf("%w: attachment %q has no part", model.ErrValidation, name)
		}
		atts = append(atts, a)
	}
	body := doc.Body
	if body == nil {
		body = model.Object{}
	}
	return ds.CreateOrUpdate(r.Context(), docID, doc.Rev, body, atts)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.datastore(w, r)
	if !ok {
		return
	}
	docID := r.PathValue("doc")
	rev, err := parseOptionalRev(r.URL.Query().Get("rev"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rev.IsZero() {
		s.fail(w, r, fmt.Errorf("%w: deleting %q needs a rev", model.ErrValidation, docID))
		return
	}
	del, err := ds.Delete(r.Context(), docID, rev)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, editResponse{OK: true, ID: docID, Rev: del.RevID.String()})
}

func (s *Server) handleAllDocs(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.datastore(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	skip := decodeCursor(q.Get("skip"))
	limit := parseLimit(q.Get("limit"), maxAllDocsLimit)
	descending := q.Get("descending") == "true"
	includeDocs := q.Get("include_docs") == "true"

	revs, err := ds.AllDocuments(r.Context(), skip, limit, descending)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	total, err := ds.DocCount(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := encoding.AllDocsResponse{TotalRows: total, Offset: skip, Rows: make([]encoding.AllDocsRow, 0, len(revs))}
	for _, rev := range revs {
		row := encoding.AllDocsRow{
			ID:    rev.DocID,
			Key:   rev.DocID,
			Value: encoding.AllDocsRev{Rev: rev.RevID, Deleted: rev.Deleted},
		}
		if includeDocs {
			doc := encoding.FromRevision(rev, nil)
			row.Doc = &doc
		}
		resp.Rows = append(resp.Rows, row)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.datastore(w, r)
	if !ok {
		return
	}
	docID, name := r.PathValue("doc"), r.PathValue("att")
	rev, err := parseOptionalRev(r.URL.Query().Get("rev"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	got, err := ds.Get(r.Context(), docID, rev)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	att, ok := got.Attachments[name]
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: attachment %q of %q", model.ErrNotFound, name, docID))
		return
	}
	rc, err := ds.OpenAttachment(r.Context(), att)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: read attachment: %v", model.ErrStorage, err))
		return
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if att.Encoding != "" {
		w.Header().Set("Content-Encoding", att.Encoding)
	}
	w.Header().Set("ETag", strconv.Quote(att.Digest))
	w.Header().Set("Accept-Ranges", "bytes")

	status := http.StatusOK
	body := data
	if rangeHeader := strings.TrimSpace(r.Header.Get("Range")); rangeHeader != "" && att.Encoding == "" {
		start, end, err := parseByteRange(rangeHeader, len(data))
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(data)))
			http.Error(w, http.StatusText(http.StatusRequestedRangeNotSatisfiable), http.StatusRequestedRangeNotSatisfiable)
			return
		}
		body = data[start : end+1]
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		status = http.StatusPartialContent
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.log.Error("failed to write attachment", "error", err, "doc", docID, "attachment", name)
	}
}

func parseByteRange(header string, size int) (int, int, error) {
	if size <= 0 {
		return 0, 0, fmt.Errorf("invalid size for range")
	}
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, fmt.Errorf("unsupported range unit")
	}
	spec := strings.TrimSpace(header[len("bytes="):])
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("multiple ranges not supported")
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, fmt.Errorf("malformed range")
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	switch {
	case startStr == "" && endStr == "":
		return 0, 0, fmt.Errorf("empty range")
	case startStr == "":
		suffix, err := strconv.Atoi(endStr)
		if err != nil || suffix <= 0 {
			return 0, 0, fmt.Errorf("invalid suffix range")
		}
		return size - min(suffix, size), size - 1, nil
	case endStr == "":
		start, err := strconv.Atoi(startStr)
		if err != nil || start < 0 || start >= size {
			return 0, 0, fmt.Errorf("invalid start range")
		}
		return start, size - 1, nil
	default:
		start, err := strconv.Atoi(startStr)
		if err != nil || start < 0 || start >= size {
			return 0, 0, fmt.Errorf("invalid start value")
		}
		end, err := strconv.Atoi(endStr)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("invalid end value")
		}
		return start, min(end, size-1), nil
	}
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return min(value, fallback)
}

func decodeCursor(raw string) int {
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0
	}
	return value
}
