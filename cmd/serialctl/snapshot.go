package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zeusync/serialstate/internal/core/schema/envelope"
)

func (a *app) snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "manage documents in the configured snapshot store",
	}
	cmd.AddCommand(
		a.snapshotImportCmd(),
		a.snapshotExportCmd(),
		a.snapshotListCmd(),
		a.snapshotRemoveCmd(),
	)
	return cmd
}

func (a *app) snapshotImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file> [id]",
		Short: "store a document file, under a new id unless one is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := a.snapshots()
			if err != nil {
				return err
			}
			defer cleanup()

			doc, err := s.Envelope.ReadDocument(args[0])
			if err != nil {
				return err
			}
			id := uuid.NewString()
			if len(args) == 2 {
				id = args[1]
			}
			if err := s.Manager.PutDocument(cmd.Context(), id, doc); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func (a *app) snapshotExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <id> <file>",
		Short: "write a stored snapshot to a file in the format implied by its extension",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := a.snapshots()
			if err != nil {
				return err
			}
			defer cleanup()

			doc, err := s.Manager.LoadDocument(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return s.Envelope.WriteDocument(doc, args[1])
		},
	}
}

func (a *app) snapshotListCmd() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "list stored snapshot ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, cleanup, err := a.snapshots()
			if err != nil {
				return err
			}
			defer cleanup()

			ids, err := s.Manager.List(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, id := range ids {
				if !long {
					fmt.Fprintln(w, id)
					continue
				}
				doc, err := s.Manager.LoadDocument(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\n", id, describeTypes(doc))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show the types each snapshot contains")
	return cmd
}

func (a *app) snapshotRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "delete stored snapshots",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cleanup, err := a.snapshots()
			if err != nil {
				return err
			}
			defer cleanup()

			for _, id := range args {
				if err := s.Manager.Delete(cmd.Context(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func describeTypes(doc envelope.Document) string {
	counts := typeHistogram(doc.State)
	parts := make([]string, 0, len(counts))
	for name, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", name, n))
	}
	if len(parts) == 0 {
		return "-"
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
