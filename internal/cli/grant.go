package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/attic/pkg/types"
)

// targetFlags selects a grant target.
type targetFlags struct {
	object string
	scheme string
	global bool
}

func (tf *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&tf.object, "object", "", "target object id")
	cmd.Flags().StringVar(&tf.scheme, "scheme", "", "target scheme name")
	cmd.Flags().BoolVar(&tf.global, "global", false, "target every object")
	cmd.MarkFlagsMutuallyExclusive("object", "scheme", "global")
}

// resolve returns the target kind and id; scheme names become scheme ids.
func (tf *targetFlags) resolve(ctx context.Context, e *env) (types.TargetKind, string, error) {
	switch {
	case tf.object != "":
		return types.TargetObject, tf.object, nil
	case tf.scheme != "":
		info, err := e.se.Scheme(ctx, tf.scheme)
		if err != nil {
			return "", "", err
		}
		return types.TargetScheme, info.Scheme.SchemeID, nil
	case tf.global:
		return types.TargetGlobal, "", nil
	}
	return "", "", nil
}

func newGrantCmd() *cobra.Command {
	var (
		tf       targetFlags
		user     string
		role     string
		everyone bool
		actions  string
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant actions to a user, role or everyone",
		Long: `Grant stores one permission row. Actions are a comma-separated list of
read, insert, update and delete, or "all". "none" stores an explicit deny.

Example:
  attic grant --user ann --scheme Order --actions read,insert`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			acts, err := types.ParseActions(actions)
			if err != nil {
				return err
			}
			g := types.Grant{Actions: acts}
			switch {
			case user != "":
				g.SubjectKind, g.SubjectID = types.SubjectUser, user
			case role != "":
				g.SubjectKind, g.SubjectID = types.SubjectRole, role
			case everyone:
				g.SubjectKind = types.SubjectEveryone
			default:
				return types.Invalid("grant", "one of --user, --role or --everyone is required")
			}
			return withStore(cmd, func(ctx context.Context, e *env) error {
				kind, id, err := tf.resolve(ctx, e)
				if err != nil {
					return err
				}
				if kind == "" {
					return types.Invalid("grant", "one of --object, --scheme or --global is required")
				}
				g.TargetKind, g.TargetID = kind, id
				g, err = e.se.Grant(ctx, g)
				if err != nil {
					return err
				}
				if flags.jsonMode {
					return printJSON(e.out, g)
				}
				fmt.Fprintln(e.out, g.GrantID)
				return nil
			})
		},
	}
	tf.register(cmd)
	cmd.Flags().StringVar(&user, "user", "", "grant to this user")
	cmd.Flags().StringVar(&role, "role", "", "grant to this role")
	cmd.Flags().BoolVar(&everyone, "everyone", false, "grant to every subject")
	cmd.Flags().StringVar(&actions, "actions", "read", "actions to grant")
	cmd.MarkFlagsMutuallyExclusive("user", "role", "everyone")
	return cmd
}

func newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <grant-id>",
		Short: "Remove a grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				return e.se.Revoke(ctx, args[0])
			})
		},
	}
}

func newGrantsCmd() *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "grants",
		Short: "List grants",
		Long:  "Grants lists the grants on one target, or every grant when no target is given.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				kind, id, err := tf.resolve(ctx, e)
				if err != nil {
					return err
				}
				gs, err := e.se.Grants(ctx, kind, id)
				if err != nil {
					return err
				}
				if flags.jsonMode {
					return printJSON(e.out, gs)
				}
				tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSUBJECT\tTARGET\tACTIONS")
				for _, g := range gs {
					fmt.Fprintf(tw, "%s\t%s:%s\t%s:%s\t%s\n", g.GrantID, g.SubjectKind, g.SubjectID, g.TargetKind, g.TargetID, g.Actions)
				}
				return tw.Flush()
			})
		},
	}
	tf.register(cmd)
	return cmd
}

func newCanCmd() *cobra.Command {
	var scheme string
	cmd := &cobra.Command{
		Use:   "can [id]",
		Short: "Print the actions the acting subject may take",
		Long:  "Can prints the effective actions of the --as subject on an object, or with --scheme on a scheme.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (scheme != "") {
				return types.Invalid("can", "give an object id or --scheme")
			}
			return withStore(cmd, func(ctx context.Context, e *env) error {
				var (
					acts types.Actions
					err  error
				)
				if scheme != "" {
					acts, err = e.se.EffectiveForScheme(ctx, scheme)
				} else {
					acts, err = e.se.Effective(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if flags.jsonMode {
					return printJSON(e.out, map[string]string{"actions": acts.String()})
				}
				fmt.Fprintln(e.out, acts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scheme, "scheme", "", "scheme name instead of an object")
	return cmd
}
