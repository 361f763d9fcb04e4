package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/attic/pkg/attic"
)

func newTreeCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "tree <id>",
		Short: "Print the subtree under an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				root, err := e.se.Subtree(ctx, args[0], depth)
				if err != nil {
					return err
				}
				if flags.jsonMode {
					return printJSON(e.out, root)
				}
				printNode(e.out, root, 0)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", -1, "levels below the object to print; negative is unbounded")
	return cmd
}

func printNode(w io.Writer, n *attic.Node, level int) {
	label := n.Object.ObjectID
	if n.Object.Name != "" {
		label = n.Object.Name + " (" + n.Object.ObjectID + ")"
	}
	fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", level), label)
	for _, c := range n.Children {
		printNode(w, c, level+1)
	}
}

func newMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> [parent]",
		Short: "Move an object under a new parent",
		Long:  "Move reparents the object. Without a parent the object moves to the root. Moving an object below itself fails.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := ""
			if len(args) == 2 {
				parent = args[1]
			}
			return withStore(cmd, func(ctx context.Context, e *env) error {
				if err := e.se.Move(ctx, args[0], parent); err != nil {
					return err
				}
				if parent == "" {
					fmt.Fprintf(e.out, "moved %s to the root\n", args[0])
				} else {
					fmt.Fprintf(e.out, "moved %s under %s\n", args[0], parent)
				}
				return nil
			})
		},
	}
}
