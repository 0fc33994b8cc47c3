package main

import (
	"fmt"
	"os"

	ouroboros "github.com/i5heu/ouroboros-sync"
	"github.com/spf13/cobra"
)

var (
	backupCmd = &cobra.Command{
		Use:   "backup <datastore> <file>",
		Short: "Write an xz-compressed archive of a datastore",
		Args:  cobra.ExactArgs(2),
		RunE:  runBackup,
	}
	restoreCmd = &cobra.Command{
		Use:   "restore <datastore> <file>",
		Short: "Create a datastore from an archive written by backup",
		Args:  cobra.ExactArgs(2),
		RunE:  runRestore,
	}
)

func init() {
	rootCmd.AddCommand(backupCmd, restoreCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	f, err := os.OpenFile(args[1], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	err = withDatastore(args[0], func(ds *ouroboros.Datastore) error {
		st, err := ds.Backup(cmd.Context(), f)
		if err != nil {
			return err
		}
		logger.Info("backup written", logKeyDatastore, args[0], "file", args[1],
			"storeBytes", st.StoreBytes, "blobs", st.Blobs, "duration", st.Duration)
		return nil
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(args[1])
	}
	return err
}

func runRestore(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()

	m, err := openManager()
	if err != nil {
		return err
	}
	defer m.Close()
	ds, st, err := m.Restore(cmd.Context(), args[0], f)
	if err != nil {
		return err
	}
	seq, err := ds.LastSequence(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "restored %s: %d attachments, sequence %d\n", ds.Name(), st.Blobs, seq)
	return nil
}
