package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/attic/internal/query"
	"github.com/mesh-intelligence/attic/internal/typefile"
	"github.com/mesh-intelligence/attic/pkg/types"
)

type queryFlags struct {
	where    string
	order    []string
	within   []string
	roots    bool
	skip     int
	take     int
	fields   []string
	count    bool
	ids      bool
	distinct string
}

func newQueryCmd() *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "query <scheme>",
		Short: "Find objects of a scheme",
		Long: `Query filters, orders and pages the objects of a scheme.

Conditions are joined by "and"; "~" is a case-insensitive substring match
and "field ?" tests presence. Order keys are field paths with an optional
":desc" suffix; paths may go through references, as in customer.name.

Examples:
  attic query Order --where 'total >= 10 and customer.name ~ "ann"'
  attic query Order --order total:desc --take 5 --select total,items
  attic query Order --within 0190... --count`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e *env) error {
				q, err := buildQuery(e.se.Query(types.NewType(args[0])), qf, cmd.Flags().Changed("take"))
				if err != nil {
					return err
				}
				return runQuery(ctx, e, q, qf)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&qf.where, "where", "", "filter condition")
	f.StringSliceVar(&qf.order, "order", nil, "order keys, field[:desc]")
	f.StringSliceVar(&qf.within, "within", nil, "only descendants of these objects")
	f.BoolVar(&qf.roots, "include-roots", false, "with --within, match the roots too")
	f.IntVar(&qf.skip, "skip", 0, "skip this many results")
	f.IntVar(&qf.take, "take", 0, "return at most this many results")
	f.StringSliceVar(&qf.fields, "select", nil, "print only these fields")
	f.BoolVar(&qf.count, "count", false, "print the number of matches")
	f.BoolVar(&qf.ids, "ids", false, "print matching ids only")
	f.StringVar(&qf.distinct, "distinct", "", "print the distinct values of a field")
	return cmd
}

func buildQuery(q *query.Query[*types.Entity], qf queryFlags, take bool) (*query.Query[*types.Entity], error) {
	if qf.where != "" {
		p, err := query.ParseCondition(qf.where)
		if err != nil {
			return nil, err
		}
		q = q.Where(p)
	}
	if len(qf.within) > 0 {
		q = q.Within(qf.within...)
		if qf.roots {
			q = q.IncludeRoots()
		}
	}
	for i, key := range qf.order {
		path, dir := key, query.Asc
		if p, ok := strings.CutSuffix(key, ":desc"); ok {
			path, dir = p, query.Desc
		} else if p, ok := strings.CutSuffix(key, ":asc"); ok {
			path = p
		}
		if i == 0 {
			q = q.OrderBy(query.Field(path), dir)
		} else {
			q = q.ThenBy(query.Field(path), dir)
		}
	}
	if qf.skip > 0 {
		q = q.Skip(qf.skip)
	}
	if take {
		q = q.Take(qf.take)
	}
	if len(qf.fields) > 0 {
		q = q.Select(qf.fields...)
	}
	return q, q.Err()
}

func runQuery(ctx context.Context, e *env, q *query.Query[*types.Entity], qf queryFlags) error {
	switch {
	case qf.count:
		n, err := q.Count(ctx)
		if err != nil {
			return err
		}
		if flags.jsonMode {
			return printJSON(e.out, map[string]int{"count": n})
		}
		fmt.Fprintln(e.out, n)
		return nil
	case qf.distinct != "":
		vals, err := q.Distinct(ctx, qf.distinct)
		if err != nil {
			return err
		}
		if flags.jsonMode {
			return printJSON(e.out, vals)
		}
		for _, v := range vals {
			fmt.Fprintln(e.out, v)
		}
		return nil
	case qf.ids:
		ids, err := q.IDs(ctx)
		if err != nil {
			return err
		}
		if flags.jsonMode {
			return printJSON(e.out, ids)
		}
		for _, id := range ids {
			fmt.Fprintln(e.out, id)
		}
		return nil
	case len(qf.fields) > 0:
		rows, err := q.Project(ctx)
		if err != nil {
			return err
		}
		out := make([]map[string]any, len(rows))
		for i, r := range rows {
			fields := typefile.Encode(&types.Record{Fields: r.Fields})
			fields["id"] = r.ID
			out[i] = fields
		}
		return printJSON(e.out, out)
	}
	ents, err := q.List(ctx)
	if err != nil {
		return err
	}
	out := make([]map[string]any, len(ents))
	for i, ent := range ents {
		out[i] = typefile.EncodeEntity(ent)
	}
	return printJSON(e.out, out)
}
