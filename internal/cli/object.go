package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/attic/internal/typefile"
	"github.com/mesh-intelligence/attic/pkg/attic"
	"github.com/mesh-intelligence/attic/pkg/types"
)

func newPutCmd() *cobra.Command {
	var (
		id, parent, name, note, expect string
	)
	cmd := &cobra.Command{
		Use:   "put <scheme> [file.json|-]",
		Short: "Insert or replace an object",
		Long: `Put reads a JSON object of field values from a file, the command line
or stdin and saves it as an object of the scheme. With --id naming an
existing object the stored fields are replaced; fields missing from the
JSON become absent. References are given as object ids.

Example:
  attic put Order '{"items":["apple"],"total":"12.50"}' --parent 0190...`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, e *env) error {
				info, err := e.se.Scheme(ctx, args[0])
				if err != nil {
					return err
				}
				rec, err := typefile.Decode(ctx, schemesOf(e.se), info, doc)
				if err != nil {
					return err
				}
				ent := &types.Entity{Object: types.Object{ObjectID: id}, Record: rec}
				if id != "" {
					cur, err := e.se.LoadDepth(ctx, id, 0)
					switch {
					case err == nil:
						ent.Object = cur.Object
					case !errors.Is(err, types.ErrObjectNotFound):
						return err
					}
				}
				if cmd.Flags().Changed("parent") {
					ent.Object.ParentID = parent
				}
				if cmd.Flags().Changed("name") {
					ent.Object.Name = name
				}
				if cmd.Flags().Changed("note") {
					ent.Object.Note = note
				}
				if expect != "" {
					ent.Object.Hash = expect
				}
				if err := e.se.Save(ctx, ent); err != nil {
					return err
				}
				if flags.jsonMode {
					return printJSON(e.out, ent.Object)
				}
				fmt.Fprintln(e.out, ent.Object.ObjectID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "object id (new objects get a generated id)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent object id; empty places the object at the root")
	cmd.Flags().StringVar(&name, "name", "", "object display name")
	cmd.Flags().StringVar(&note, "note", "", "object note")
	cmd.Flags().StringVar(&expect, "expect-hash", "", "fail unless the stored hash still matches (optimistic concurrency)")
	return cmd
}

// readDocument returns the JSON object given inline, in a file, or on
// stdin when the argument is "-" or missing.
func readDocument(stdin io.Reader, args []string) (map[string]any, error) {
	var r io.Reader = stdin
	if len(args) == 1 && args[0] != "-" {
		arg := args[0]
		if strings.HasPrefix(strings.TrimSpace(arg), "{") {
			r = strings.NewReader(arg)
		} else {
			f, err := os.Open(arg)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			r = f
		}
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, types.Invalid("put", "reading JSON object: %v", err)
	}
	return doc, nil
}

func newGetCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				d := e.store.Config().MaxDepth
				if cmd.Flags().Changed("depth") {
					d = depth
				}
				ent, err := e.se.LoadDepth(ctx, args[0], d)
				if err != nil {
					return err
				}
				return printJSON(e.out, typefile.EncodeEntity(ent))
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "reference hops to follow (default: max_depth)")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Archive and remove an object",
		Long:  "Delete archives the object and removes it. An object with children needs --cascade, which removes the whole subtree.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				recs, err := e.se.Delete(ctx, args[0], attic.DeleteOptions{Cascade: cascade})
				if err != nil {
					return err
				}
				if flags.jsonMode {
					return printJSON(e.out, archiveSummaries(recs))
				}
				for _, r := range recs {
					fmt.Fprintf(e.out, "deleted %s (archive %s)\n", r.Snapshot.Object.ObjectID, r.ArchiveID)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "delete descendants too")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <archive-id>",
		Short: "Restore an archived object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				ent, err := e.se.Restore(ctx, args[0])
				if err != nil {
					return err
				}
				if flags.jsonMode {
					return printJSON(e.out, typefile.EncodeEntity(ent))
				}
				fmt.Fprintln(e.out, ent.Object.ObjectID)
				return nil
			})
		},
	}
}

// sessionSchemes exposes the session's scheme lookups to the JSON decoder.
type sessionSchemes struct{ se *attic.Session }

func schemesOf(se *attic.Session) sessionSchemes { return sessionSchemes{se} }

func (s sessionSchemes) Lookup(ctx context.Context, name string) (*types.SchemeInfo, error) {
	return s.se.Scheme(ctx, name)
}

func (s sessionSchemes) ByID(ctx context.Context, id string) (*types.SchemeInfo, error) {
	return s.se.SchemeByID(ctx, id)
}
