package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	ouroboros "github.com/i5heu/ouroboros-sync"
	"github.com/i5heu/ouroboros-sync/internal/conflict"
	"github.com/i5heu/ouroboros-sync/pkg/encoding"
	"github.com/i5heu/ouroboros-sync/pkg/model"
	"github.com/spf13/cobra"
)

var (
	docRev      string
	docFile     string
	docAttach   []string
	docRevs     bool
	resolveAll  bool
	resolveKeep string

	putCmd = &cobra.Command{
		Use:   "put <datastore> <doc-id>",
		Short: "Create or update a document from JSON on stdin or --file",
		Args:  cobra.ExactArgs(2),
		RunE:  runPut,
	}
	getCmd = &cobra.Command{
		Use:   "get <datastore> <doc-id>",
		Short: "Print the winning revision, or --rev, of a document",
		Args:  cobra.ExactArgs(2),
		RunE:  runGet,
	}
	deleteCmd = &cobra.Command{
		Use:   "delete <datastore> <doc-id>",
		Short: "Delete a document by writing a tombstone on top of --rev",
		Args:  cobra.ExactArgs(2),
		RunE:  runDelete,
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List datastores",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	conflictsCmd = &cobra.Command{
		Use:   "conflicts <datastore>",
		Short: "List conflicted documents and their active leaves",
		Args:  cobra.ExactArgs(1),
		RunE:  runConflicts,
	}
	resolveCmd = &cobra.Command{
		Use:   "resolve <datastore> [doc-id]",
		Short: "Keep --keep (or the current winner) and close the other leaves",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runResolve,
	}
	compactCmd = &cobra.Command{
		Use:   "compact <datastore>",
		Short: "Drop bodies of non-leaf revisions and unreferenced attachments",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompact,
	}
)

func init() {
	putCmd.Flags().StringVar(&docRev, "rev", "", "current revision of the document")
	putCmd.Flags().StringVarP(&docFile, "file", "f", "-", "JSON body, - for stdin")
	putCmd.Flags().StringArrayVarP(&docAttach, "attach", "a", nil, "attachment as name=path, repeatable")
	getCmd.Flags().StringVar(&docRev, "rev", "", "revision to read")
	getCmd.Flags().BoolVar(&docRevs, "revs", false, "include the revision history")
	deleteCmd.Flags().StringVar(&docRev, "rev", "", "current revision of the document")
	_ = deleteCmd.MarkFlagRequired("rev")
	resolveCmd.Flags().BoolVar(&resolveAll, "all", false, "resolve every conflicted document")
	resolveCmd.Flags().StringVar(&resolveKeep, "keep", "", "leaf revision to keep")

	rootCmd.AddCommand(putCmd, getCmd, deleteCmd, listCmd, conflictsCmd, resolveCmd, compactCmd)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func parseRevFlag() (model.RevID, error) {
	if docRev == "" {
		return model.RevID{}, nil
	}
	return model.ParseRevID(docRev)
}

func readBody(cmd *cobra.Command) (encoding.Document, error) {
	var r io.Reader = cmd.InOrStdin()
	if docFile != "-" {
		f, err := os.Open(docFile)
		if err != nil {
			return encoding.Document{}, err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return encoding.Document{}, err
	}
	var doc encoding.Document
	err = doc.UnmarshalJSON(data)
	return doc, err
}

// parseAttachments turns name=path pairs into file-backed attachments.
func parseAttachments(specs []string) ([]model.Attachment, error) {
	atts := make([]model.Attachment, 0, len(specs))
	for _, spec := range specs {
		name, path, ok := strings.Cut(spec, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("%w: attachment %q is not name=path", model.ErrValidation, spec)
		}
		contentType := mime.TypeByExtension(filepath.Ext(path))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		atts = append(atts, model.Attachment{Name: name, ContentType: contentType, Source: model.FileSource{Path: path}})
	}
	return atts, nil
}

func runPut(cmd *cobra.Command, args []string) error {
	rev, err := parseRevFlag()
	if err != nil {
		return err
	}
	doc, err := readBody(cmd)
	if err != nil {
		return err
	}
	atts, err := parseAttachments(docAttach)
	if err != nil {
		return err
	}
	body := doc.Body
	if body == nil {
		body = model.Object{}
	}
	return withDatastore(args[0], func(ds *ouroboros.Datastore) error {
		// Attachments not named on the command line carry over from rev.
		if !rev.IsZero() {
			cur, err := ds.Get(cmd.Context(), args[1], rev)
			if err != nil {
				return err
			}
			named := make(map[string]bool, len(atts))
			for _, a := range atts {
				named[a.Name] = true
			}
			for _, a := range cur.SortedAttachments() {
				if !named[a.Name] {
					atts = append(atts, model.Attachment{Name: a.Name, Digest: a.Digest})
				}
			}
		}
		created, err := ds.CreateOrUpdate(cmd.Context(), args[1], rev, body, atts)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), created.RevID)
		return err
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	rev, err := parseRevFlag()
	if err != nil {
		return err
	}
	return withDatastore(args[0], func(ds *ouroboros.Datastore) error {
		got, err := ds.Get(cmd.Context(), args[1], rev)
		if err != nil {
			return err
		}
		var history []model.RevID
		if docRevs {
			revs, err := ds.History(cmd.Context(), args[1], got.RevID)
			if err != nil {
				return err
			}
			for _, r := range revs {
				history = append(history, r.RevID)
			}
		}
		return printJSON(cmd.OutOrStdout(), encoding.FromRevision(got, history))
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	rev, err := parseRevFlag()
	if err != nil {
		return err
	}
	return withDatastore(args[0], func(ds *ouroboros.Datastore) error {
		del, err := ds.Delete(cmd.Context(), args[1], rev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), del.RevID)
		return err
	})
}

func runList(cmd *cobra.Command, _ []string) error {
	m, err := openManager()
	if err != nil {
		return err
	}
	defer m.Close()
	names, err := m.AllDatastores()
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(cmd.OutOrStdout(), n)
	}
	return nil
}

func runConflicts(cmd *cobra.Command, args []string) error {
	return withDatastore(args[0], func(ds *ouroboros.Datastore) error {
		ids, err := ds.Conflicts().ListConflictedDocIDs(cmd.Context())
		if err != nil {
			return err
		}
		for _, id := range ids {
			leaves, err := ds.ActiveLeaves(cmd.Context(), id)
			if err != nil {
				return err
			}
			revs := make([]string, len(leaves))
			for i, l := range leaves {
				revs[i] = l.RevID.String()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, strings.Join(revs, " "))
		}
		return nil
	})
}

// keepResolver chooses keep when it is one of the leaves and the winner
// otherwise.
func keepResolver(keep model.RevID) conflict.Resolver {
	if keep.IsZero() {
		return conflict.PickWinner
	}
	return conflict.ResolverFunc(func(_ string, leaves []model.Revision) conflict.Decision {
		for _, l := range leaves {
			if l.RevID == keep {
				return conflict.Choose(keep)
			}
		}
		return conflict.NoDecision()
	})
}

func runResolve(cmd *cobra.Command, args []string) error {
	if resolveAll == (len(args) == 2) {
		return fmt.Errorf("%w: name one document or pass --all", model.ErrValidation)
	}
	var keep model.RevID
	if resolveKeep != "" {
		var err error
		if keep, err = model.ParseRevID(resolveKeep); err != nil {
			return err
		}
	}
	return withDatastore(args[0], func(ds *ouroboros.Datastore) error {
		res := ds.Conflicts()
		if resolveAll {
			n, err := res.ResolveAll(cmd.Context(), keepResolver(keep))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %d documents\n", n)
			return nil
		}
		ok, err := res.Resolve(cmd.Context(), args[1], keepResolver(keep))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s was left unresolved", args[1])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "resolved %s\n", args[1])
		return nil
	})
}

func runCompact(cmd *cobra.Command, args []string) error {
	return withDatastore(args[0], func(ds *ouroboros.Datastore) error {
		stats, err := ds.Compact(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stripped %d revisions, removed %d attachments\n", stats.Stripped, stats.BlobsRemoved)
		return nil
	})
}
