package apiServer

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	ouroboros "github.com/i5heu/ouroboros-sync"
	"github.com/i5heu/ouroboros-sync/internal/replication"
	"github.com/i5heu/ouroboros-sync/pkg/encoding"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

const (
	defaultChangesLimit = 1000
	maxChangesLimit     = 10000
	maxJSONBody         = 64 << 20
)

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.datastore(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := defaultChangesLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(w, r, fmt.Errorf("%w: limit %q", model.ErrValidation, raw))
			return
		}
		limit = min(n, maxChangesLimit)
	}
	filter := replication.Filter{Name: q.Get("filter")}
	if filter.Name != "" {
		filter.Params = filterParams(q)
	}

	page, err := ds.Peer().Changes(r.Context(), q.Get("since"), limit, filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := encoding.ChangesResponse{
		Results: make([]encoding.ChangeRow, 0, len(page.Changes)),
		LastSeq: encoding.Seq(page.LastSeq),
	}
	for _, c := range page.Changes {
		row := encoding.ChangeRow{Seq: encoding.Seq(c.Seq), ID: c.DocID, Deleted: c.Deleted}
		for _, rev := range c.Revs {
			row.Changes = append(row.Changes, encoding.RevRef{Rev: rev})
		}
		resp.Results = append(resp.Results, row)
	}
	writeJSON(w, http.StatusOK, resp)
}

func filterParams(q url.Values) map[string]string {
	params := make(map[string]string)
	for k, vs := range q {
		if !encoding.IsChangesParam(k) && len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params
}

func (s *Server) handleRevsDiff(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.datastore(w, r)
	if !ok {
		return
	}
	var offered map[string][]model.RevID
	if err := decodeJSON(r, &offered); err != nil {
		s.fail(w, r, err)
		return
	}
	diff, err := ds.Peer().RevsDiff(r.Context(), offered)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := make(map[string]encoding.RevsDiffEntry, len(diff))
	for id, d := range diff {
		resp[id] = encoding.RevsDiffEntry{Missing: d.Missing, PossibleAncestors: d.PossibleAncestors}
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, out any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(out); err != nil {
		return fmt.Errorf("%w: request body: %v", model.ErrValidation, err)
	}
	return nil
}

// handleBulkDocs inserts replicated revisions verbatim when new_edits is
// false and applies ordinary edits otherwise.
func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.datastore(w, r)
	if !ok {
		return
	}
	var req encoding.BulkDocsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	if req.NewEdits != nil && !*req.NewEdits {
		branches := make([]model.Branch, 0, len(req.Docs))
		for _, doc := range req.Docs {
			b, err := doc.Branch()
			if err != nil {
				s.fail(w, r, err)
				return
			}
			branches = append(branches, b)
		}
		n, err := ds.Peer().WriteRevisions(r.Context(), branches)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, encoding.InsertResult{OK: true, Inserted: n})
		return
	}

	results := make([]encoding.BulkResult, 0, len(req.Docs))
	for _, doc := range req.Docs {
		res := encoding.BulkResult{ID: doc.ID}
		rev, err := applyEdit(r, ds, doc.ID, doc)
		if err != nil {
			_, res.Error = statusOf(err)
			res.Reason = err.Error()
		} else {
			res.Rev = rev.RevID.String()
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusCreated, results)
}

// writeOpenRevs answers GET /{db}/{doc}?open_revs=[...] with one
// multipart/mixed part per revision.
func (s *Server) writeOpenRevs(w http.ResponseWriter, r *http.Request, ds *ouroboros.Datastore, docID string) {
	q := r.URL.Query()
	revs, err := parseRevList(q.Get("open_revs"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if q.Get("open_revs") == "all" {
		leaves, err := ds.Leaves(r.Context(), docID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		revs = revs[:0]
		for _, l := range leaves {
			revs = append(revs, l.RevID)
		}
	}
	var attsSince []model.RevID
	if raw := q.Get("atts_since"); raw != "" {
		if attsSince, err = parseRevList(raw); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	branches, err := ds.Peer().FetchRevisions(r.Context(), docID, revs, attsSince)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	docs := make([]encoding.Document, 0, len(branches))
	withAttachments := q.Get("attachments") == "true"
	for _, b := range branches {
		doc := encoding.FromBranch(b)
		if !withAttachments {
			for name, info := range doc.Attachments {
				info.Source = nil
				doc.Attachments[name] = info
			}
		}
		doc.MarkFollowing()
		docs = append(docs, doc)
	}

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", mime.FormatMediaType(encoding.ContentTypeMixed, map[string]string{"boundary": mw.Boundary()}))
	w.WriteHeader(http.StatusOK)
	if err := encoding.WriteMixed(r.Context(), mw, docs); err != nil {
		s.log.Error("writing revisions failed", "doc", docID, "error", err)
		return
	}
	if err := mw.Close(); err != nil {
		s.log.Error("closing multipart reply failed", "doc", docID, "error", err)
	}
}

// parseRevList reads a JSON array of revision ids. "all" yields an empty
// list.
func parseRevList(raw string) ([]model.RevID, error) {
	if raw == "all" {
		return []model.RevID{}, nil
	}
	var revs []model.RevID
	if err := json.Unmarshal([]byte(raw), &revs); err != nil {
		return nil, fmt.Errorf("%w: revision list %q: %v", model.ErrValidation, raw, err)
	}
	return revs, nil
}

// putReplicated stores one revision sent with new_edits=false.
func (s *Server) putReplicated(w http.ResponseWriter, r *http.Request, ds *ouroboros.Datastore, docID string) {
	doc, err := readDocument(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if doc.ID != docID {
		s.fail(w, r, fmt.Errorf("%w: body _id %q does not match %q", model.ErrValidation, doc.ID, docID))
		return
	}
	b, err := doc.Branch()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := ds.Peer().WriteRevisions(r.Context(), []model.Branch{b})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, encoding.InsertResult{OK: true, Inserted: n})
}

// readDocument accepts a JSON document or a multipart/related body.
func readDocument(r *http.Request) (encoding.Document, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mediaType == encoding.ContentTypeRelated {
		return encoding.ReadRelated(r.Body, params["boundary"])
	}
	var doc encoding.Document
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		return doc, fmt.Errorf("%w: read body: %v", model.ErrValidation, err)
	}
	if err := doc.UnmarshalJSON(raw); err != nil {
		return doc, err
	}
	return doc, nil
}
