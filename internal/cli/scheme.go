package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/attic/internal/typefile"
	"github.com/mesh-intelligence/attic/pkg/types"
)

func newSchemeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheme",
		Short: "Register and inspect schemes",
	}
	cmd.AddCommand(newSchemeSyncCmd(), newSchemeListCmd(), newSchemeShowCmd())
	return cmd
}

func newSchemeSyncCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "sync <types.yaml>",
		Short: "Register the types of a type file",
		Long: `Sync registers every type in a YAML type file. Fields that a type no
longer declares are kept as optional unless --strict is given, which
removes them with their values and needs the system subject.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			descs, err := typefile.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, e *env) error {
				var out []types.SchemeInfo
				for _, d := range descs {
					info, err := e.se.Sync(ctx, d, strict)
					if err != nil {
						return fmt.Errorf("sync %s: %w", d.TypeName(), err)
					}
					out = append(out, *info)
				}
				if flags.jsonMode {
					return printJSON(e.out, out)
				}
				for _, info := range out {
					fmt.Fprintf(e.out, "%s %s (%d fields)\n", info.Scheme.SchemeID, info.Scheme.Name, len(info.Structures))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "remove fields the type no longer declares")
	return cmd
}

func newSchemeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered schemes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				infos, err := e.se.Schemes(ctx)
				if err != nil {
					return err
				}
				if flags.jsonMode {
					return printJSON(e.out, infos)
				}
				tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tALIAS\tFIELDS")
				for _, si := range infos {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", si.Scheme.SchemeID, si.Scheme.Name, si.Scheme.Alias, len(si.Structures))
				}
				return tw.Flush()
			})
		},
	}
}

func newSchemeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [name]",
		Short: "Print schemes as a type file",
		Long:  "Show prints the named scheme, or every scheme, in the type file format accepted by sync.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				all, err := e.se.Schemes(ctx)
				if err != nil {
					return err
				}
				infos := all
				if len(args) == 1 {
					info, err := e.se.Scheme(ctx, args[0])
					if err != nil {
						return err
					}
					infos = []types.SchemeInfo{*info}
				}
				if flags.jsonMode {
					return printJSON(e.out, infos)
				}
				data, err := typefile.Marshal(infos, all...)
				if err != nil {
					return err
				}
				_, err = e.out.Write(data)
				return err
			})
		},
	}
}
