package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"anchorstream/internal/output"
)

var errLimitReached = errors.New("limit reached")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		limit int
		kind  string
	)
	cmd := &cobra.Command{
		Use:           "anchorstream-rawlog-dump <recording.bin>",
		Short:         "Print the records of a session recording as JSON",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open recording")
			}
			defer f.Close()
			return dump(f, cmd.OutOrStdout(), cmd.ErrOrStderr(), kind, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 1, "Number of records to dump (0 for all)")
	cmd.Flags().StringVar(&kind, "kind", "", "Only dump records of this kind (frame, instruction, error)")
	return cmd
}

func dump(in io.Reader, out, diag io.Writer, kind string, limit int) error {
	count := 0
	err := output.ReadRecords(in, func(e output.Entry) error {
		if limit > 0 && count >= limit {
			return errLimitReached
		}
		rec, err := output.DecodeRecord(e.Payload)
		if err != nil {
			fmt.Fprintf(diag, "record at %s: %v\n", e.At.Format(time.RFC3339Nano), err)
			return nil
		}
		if kind != "" && rec.Kind != kind {
			return nil
		}
		pretty, err := json.MarshalIndent(view(rec), "", "  ")
		if err != nil {
			fmt.Fprintf(diag, "record %d: JSON encode error: %v\n", count, err)
			return nil
		}
		fmt.Fprintf(out, "# record %d kind=%s timestamp=%s size=%d\n", count, rec.Kind, e.At.Format(time.RFC3339Nano), len(e.Payload))
		fmt.Fprintln(out, string(pretty))
		count++
		return nil
	})
	if errors.Is(err, errLimitReached) {
		return nil
	}
	return err
}

// view renders a record with its body inlined when the body is JSON or CBOR.
func view(rec output.Record) map[string]any {
	doc := map[string]any{"kind": rec.Kind}
	if rec.Metadata != nil {
		doc["metadata"] = rec.Metadata
	}
	if len(rec.Body) == 0 {
		return doc
	}
	var decoded any
	if json.Valid(rec.Body) {
		_ = json.Unmarshal(rec.Body, &decoded)
	} else if err := cbor.Unmarshal(rec.Body, &decoded); err != nil {
		decoded = string(rec.Body)
	}
	doc["body"] = output.NormalizeJSONValue(decoded)
	return doc
}
