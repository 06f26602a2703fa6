package main

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zeusync/serialstate/internal/core/observability/log"
	"github.com/zeusync/serialstate/internal/core/schema/codec"
	"github.com/zeusync/serialstate/internal/core/schema/envelope"
)

var errDigestMismatch = errors.New("digest mismatch")

func (a *app) inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "print the format header and the registered types a document contains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tk, cleanup, err := a.toolkit()
			if err != nil {
				return err
			}
			defer cleanup()

			doc, err := tk.Envelope.ReadDocument(args[0])
			if err != nil {
				return err
			}
			printDocument(cmd.OutOrStdout(), args[0], envelope.FormatFor(args[0]).Name(), doc)
			return nil
		},
	}
}

func (a *app) convertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "re-encode a document in the format implied by the output extension",
		Long: "convert copies the document tree as is. Registered objects are not " +
			"decoded, so types unknown to this binary survive the conversion.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tk, cleanup, err := a.toolkit()
			if err != nil {
				return err
			}
			defer cleanup()

			doc, err := tk.Envelope.ReadDocument(args[0])
			if err != nil {
				return err
			}
			if err := tk.Envelope.WriteDocument(doc, args[1]); err != nil {
				return err
			}
			tk.Log.Info("document converted",
				log.String("from", envelope.FormatFor(args[0]).Name()),
				log.String("to", envelope.FormatFor(args[1]).Name()),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], args[1])
			return nil
		},
	}
}

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file>",
		Short: "recompute the state digest and compare it with the header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tk, cleanup, err := a.toolkit()
			if err != nil {
				return err
			}
			defer cleanup()

			doc, err := tk.Envelope.ReadDocument(args[0])
			if err != nil {
				return err
			}
			return verifyDocument(cmd.OutOrStdout(), doc)
		},
	}
}

func verifyDocument(w io.Writer, doc envelope.Document) error {
	ok, actual, err := doc.Verify()
	if err != nil {
		return err
	}
	switch {
	case doc.Header.Digest == "":
		fmt.Fprintf(w, "no digest recorded, computed %s\n", actual)
	case ok:
		fmt.Fprintf(w, "ok %s\n", actual)
	default:
		return fmt.Errorf("%w: header %s, state %s", errDigestMismatch, doc.Header.Digest, actual)
	}
	return nil
}

func printDocument(w io.Writer, source, format string, doc envelope.Document) {
	h := doc.Header
	fmt.Fprintf(w, "source:  %s (%s)\n", source, format)
	if h.Name == "" {
		fmt.Fprintln(w, "header:  none")
	} else {
		fmt.Fprintf(w, "header:  %s v%d\n", h.Name, h.Version)
	}
	if h.Digest != "" {
		fmt.Fprintf(w, "digest:  %s\n", h.Digest)
	}

	counts := typeHistogram(doc.State)
	if len(counts) == 0 {
		fmt.Fprintln(w, "types:   none")
		return
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	fmt.Fprintln(w, "types:")
	for _, name := range names {
		fmt.Fprintf(w, "  %6d  %s\n", counts[name], name)
	}
}

// typeHistogram counts registered objects and built-in tagged values by tag.
func typeHistogram(n codec.Node) map[string]int {
	counts := make(map[string]int)
	codec.Walk(n, func(node codec.Node) bool {
		switch x := node.(type) {
		case codec.ObjectNode:
			counts[x.Type]++
		case codec.SetNode:
			counts[codec.TagSet]++
		case codec.DateTimeNode:
			counts[codec.TagDateTime]++
		case codec.ArrayNode:
			counts[codec.TagNDArray]++
			return false
		}
		return true
	})
	return counts
}
