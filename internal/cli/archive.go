package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/attic/pkg/types"
)

type archiveSummary struct {
	ArchiveID string    `json:"archive_id"`
	ObjectID  string    `json:"object_id"`
	SchemeID  string    `json:"scheme_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	DeletedAt time.Time `json:"deleted_at"`
	DeletedBy string    `json:"deleted_by"`
}

func archiveSummaries(recs []types.ArchiveRecord) []archiveSummary {
	out := make([]archiveSummary, len(recs))
	for i, r := range recs {
		o := r.Snapshot.Object
		out[i] = archiveSummary{
			ArchiveID: r.ArchiveID,
			ObjectID:  o.ObjectID,
			SchemeID:  o.SchemeID,
			ParentID:  o.ParentID,
			DeletedAt: r.DeletedAt,
			DeletedBy: r.DeletedBy,
		}
	}
	return out
}

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect delete archives",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List archived objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				recs, err := e.se.Archives(ctx)
				if err != nil {
					return err
				}
				sums := archiveSummaries(recs)
				if flags.jsonMode {
					return printJSON(e.out, sums)
				}
				tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "ARCHIVE\tOBJECT\tDELETED\tBY\t(%s)\n", e.store.Archive().Driver())
				for _, s := range sums {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ArchiveID, s.ObjectID, s.DeletedAt.Format(time.RFC3339), s.DeletedBy)
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}
