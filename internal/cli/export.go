package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/attic/internal/typefile"
	"github.com/mesh-intelligence/attic/pkg/types"
)

func newExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every readable object as JSON lines",
		Long: `Export writes one JSON line per object, scheme by scheme, with the
object header and its fields. References are written as ids.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) (err error) {
				w := e.out
				if out != "" {
					f, err := os.Create(out)
					if err != nil {
						return &sysError{err}
					}
					defer func() {
						if cerr := f.Close(); cerr != nil && err == nil {
							err = &sysError{cerr}
						}
					}()
					w = f
				}
				n, err := export(ctx, e, w)
				if err != nil {
					return err
				}
				if out != "" {
					fmt.Fprintf(e.out, "exported %d objects to %s\n", n, out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func export(ctx context.Context, e *env, w io.Writer) (int, error) {
	infos, err := e.se.Schemes(ctx)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	n := 0
	for _, si := range infos {
		ids, err := e.se.Query(types.NewType(si.Scheme.Name)).IDs(ctx)
		if err != nil {
			return n, fmt.Errorf("listing %s: %w", si.Scheme.Name, err)
		}
		for _, id := range ids {
			ent, err := e.se.LoadDepth(ctx, id, 0)
			if err != nil {
				return n, err
			}
			line := typefile.EncodeEntity(ent)
			line["scheme"] = si.Scheme.Name
			if err := enc.Encode(line); err != nil {
				return n, &sysError{err}
			}
			n++
		}
	}
	return n, nil
}
