package apiServer

import (
	"fmt"
	"net/http"

	ouroboros "github.com/i5heu/ouroboros-sync"
	"github.com/i5heu/ouroboros-sync/internal/replication"
	"github.com/i5heu/ouroboros-sync/pkg/encoding"
	"github.com/i5heu/ouroboros-sync/pkg/model"
)

const version = "1"

func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, welcomeResponse{Ouroboros: "Welcome", Version: version})
}

func (s *Server) handleAllDatastores(w http.ResponseWriter, r *http.Request) {
	names, err := s.manager.AllDatastores()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// datastore resolves {db} to an existing datastore.
func (s *Server) datastore(w http.ResponseWriter, r *http.Request) (*ouroboros.Datastore, bool) {
	name := r.PathValue("db")
	if err := ouroboros.ValidateName(name); err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	if !s.manager.Exists(name) {
		s.fail(w, r, fmt.Errorf("%w: datastore %q", model.ErrNotFound, name))
		return nil, false
	}
	ds, err := s.manager.Datastore(name)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return ds, true
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.datastore(w, r)
	if !ok {
		return
	}
	seq, err := ds.LastSequence(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	count, err := ds.DocCount(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encoding.DatabaseInfo{
		Name:      ds.Name(),
		UUID:      ds.UUID(),
		UpdateSeq: encoding.Seq(replication.FormatSeq(seq)),
		DocCount:  count,
	})
}

func (s *Server) handleCreateDatastore(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("db")
	if err := ouroboros.ValidateName(name); err != nil {
		s.fail(w, r, err)
		return
	}
	if s.manager.Exists(name) {
		writeError(w, http.StatusPreconditionFailed, "file_exists", fmt.Sprintf("datastore %q already exists", name))
		return
	}
	if !s.allowCreate {
		writeError(w, http.StatusForbidden, "forbidden", "datastore creation is disabled")
		return
	}
	if _, err := s.manager.Datastore(name); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("datastore created", "datastore", name)
	writeJSON(w, http.StatusCreated, okResponse{OK: true})
}

func (s *Server) handleDeleteDatastore(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteDatastore(r.PathValue("db")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.datastore(w, r)
	if !ok {
		return
	}
	stats, err := ds.Compact(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, compactResponse{OK: true, Stripped: stats.Stripped, BlobsRemoved: stats.BlobsRemoved})
}
