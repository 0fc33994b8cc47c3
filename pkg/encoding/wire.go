package encoding

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/i5heu/ouroboros-sync/pkg/model"
)

// Seq is a changes-feed token. Servers may send it as a JSON string or a
// number; it is always written as a string.
type Seq string

func (s Seq) MarshalJSON() ([]byte, error) { return json.Marshal(string(s)) }

func (s *Seq) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = Seq(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: sequence %s", model.ErrValidation, b)
	}
	*s = Seq(n.String())
	return nil
}

type DatabaseInfo struct {
	Name      string `json:"db_name"`
	UUID      string `json:"uuid"`
	UpdateSeq Seq    `json:"update_seq"`
	DocCount  int    `json:"doc_count"`
}

type ChangesResponse struct {
	Results []ChangeRow `json:"results"`
	LastSeq Seq         `json:"last_seq"`
}

type ChangeRow struct {
	Seq     Seq      `json:"seq"`
	ID      string   `json:"id"`
	Changes []RevRef `json:"changes"`
	Deleted bool     `json:"deleted,omitempty"`
}

type RevRef struct {
	Rev model.RevID `json:"rev"`
}

type RevsDiffEntry struct {
	Missing           []model.RevID `json:"missing"`
	PossibleAncestors []model.RevID `json:"possible_ancestors,omitempty"`
}

type BulkDocsRequest struct {
	Docs     []Document `json:"docs"`
	NewEdits *bool      `json:"new_edits,omitempty"`
}

// BulkResult is one row of a _bulk_docs reply to a normal edit.
type BulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// InsertResult answers writes made with new_edits=false.
type InsertResult struct {
	OK       bool `json:"ok"`
	Inserted int  `json:"inserted"`
}

type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type AllDocsResponse struct {
	TotalRows int          `json:"total_rows"`
	Offset    int          `json:"offset"`
	Rows      []AllDocsRow `json:"rows"`
}

type AllDocsRow struct {
	ID    string     `json:"id"`
	Key   string     `json:"key"`
	Value AllDocsRev `json:"value"`
	Doc   *Document  `json:"doc,omitempty"`
}

type AllDocsRev struct {
	Rev     model.RevID `json:"rev"`
	Deleted bool        `json:"deleted,omitempty"`
}

var changesParams = map[string]bool{
	"since": true, "limit": true, "style": true, "filter": true, "feed": true,
}

// IsChangesParam reports whether name is a query parameter of the changes
// feed itself rather than a filter parameter.
func IsChangesParam(name string) bool { return changesParams[name] }
