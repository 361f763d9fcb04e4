package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attic/internal/codec"
	"github.com/mesh-intelligence/attic/internal/describe"
	"github.com/mesh-intelligence/attic/internal/memory"
	"github.com/mesh-intelligence/attic/internal/schema"
	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/filter"
	"github.com/mesh-intelligence/attic/pkg/types"
)

type customer struct {
	types.Object
	Name string  `attic:"name"`
	City *string `attic:"city"`
}

func (customer) AtticType() string { return "Customer" }

type invoice struct {
	types.Object
	Number   int                  `attic:"number"`
	Total    float64              `attic:"total"`
	Paid     bool                 `attic:"paid"`
	Note     *string              `attic:"note"`
	Tags     []string             `attic:"tags,optional"`
	Customer types.Link[customer] `attic:"customer,optional"`
}

func (invoice) AtticType() string { return "Invoice" }

func str(s string) *string { return &s }

type fixture struct {
	ctx   context.Context
	b     *memory.Backend
	reg   *schema.Registry
	codec *codec.Codec
	desc  *describe.Descriptor
}

func header(id, parent string) types.Object {
	return types.Object{ObjectID: id, ParentID: parent}
}

// newFixture seeds two customers and four invoices. i2 is a child of i1
// and i4 a child of i2.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	b := memory.New()
	t.Cleanup(func() { _ = b.Close() })
	reg := schema.New(b)
	desc := describe.MustOf[invoice]()
	_, err := reg.EnsureScheme(ctx, desc)
	require.NoError(t, err)
	f := &fixture{ctx: ctx, b: b, reg: reg, codec: codec.New(reg), desc: desc}

	f.save(t, &customer{Object: header("c1", ""), Name: "Ann", City: str("Paris")})
	f.save(t, &customer{Object: header("c2", ""), Name: "Bob"})
	f.save(t, &invoice{Object: header("i1", ""), Number: 1, Total: 10, Paid: true, Note: str("rush"),
		Tags: []string{"a", "b"}, Customer: types.LinkTo[customer]("c1")})
	f.save(t, &invoice{Object: header("i2", "i1"), Number: 2, Total: 25.5,
		Tags: []string{}, Customer: types.LinkTo[customer]("c2")})
	f.save(t, &invoice{Object: header("i3", ""), Number: 3, Total: 7})
	f.save(t, &invoice{Object: header("i4", "i2"), Number: 4, Total: 40, Paid: true, Note: str("Rush order"),
		Tags: []string{"b"}, Customer: types.LinkTo[customer]("c1")})
	return f
}

func (f *fixture) save(t *testing.T, v any) {
	t.Helper()
	ent, _, err := describe.ToEntity(v)
	require.NoError(t, err)
	snap, err := f.codec.Serialize(f.ctx, ent)
	require.NoError(t, err)
	require.NoError(t, store.WithTx(f.ctx, f.b, func(tx store.Tx) error {
		return tx.InsertSnapshot(f.ctx, snap)
	}))
}

func (f *fixture) query(opts ...Option) *Query[*types.Entity] {
	return New(f.desc, f.reg, f.b, opts...)
}

func (f *fixture) ids(t *testing.T, q *Query[*types.Entity]) []string {
	t.Helper()
	ids, err := q.IDs(f.ctx)
	require.NoError(t, err)
	return ids
}

func TestWhere(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		pred Pred
		want []string
	}{
		{"eq", Eq("number", 2), []string{"i2"}},
		{"integer literal against float field", Gt("total", 9), []string{"i1", "i2", "i4"}},
		{"lte", Lte("total", 10.0), []string{"i1", "i3"}},
		{"in", In("number", 1, 3), []string{"i1", "i3"}},
		{"ne", Ne("paid", true), []string{"i2", "i3"}},
		{"contains case-insensitive", Contains("note", "rush", false), []string{"i1", "i4"}},
		{"contains case-sensitive", Contains("note", "Rush", true), []string{"i4"}},
		{"exists", Exists("note"), []string{"i1", "i4"}},
		{"not exists", Not(Exists("note")), []string{"i2", "i3"}},
		{"through reference", Eq("customer.name", "Ann"), []string{"i1", "i4"}},
		{"through reference and optional", Eq("customer.city", "Paris"), []string{"i1", "i4"}},
		{"not of unknown stays unknown", Not(Eq("customer.city", "Paris")), nil},
		{"array contains", ArrayContains("tags", "b"), []string{"i1", "i4"}},
		{"array count", ArrayCount("tags", filter.OpEq, 0), []string{"i2"}},
		{"array at", ArrayAt("tags", 0, filter.OpEq, "a"), []string{"i1"}},
		{"or", Or(Eq("number", 1), Eq("number", 3)), []string{"i1", "i3"}},
		{"and", And(Eq("paid", true), Gt("total", 20)), []string{"i4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.query().Where(tt.pred).IDs(f.ctx)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOrdering(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		q    *Query[*types.Entity]
		want []string
	}{
		{"default is id order", f.query(), []string{"i1", "i2", "i3", "i4"}},
		{"descending", f.query().OrderBy(Field("total"), Desc), []string{"i4", "i2", "i1", "i3"}},
		{"absent first ascending", f.query().OrderBy(Field("note"), Asc), []string{"i2", "i3", "i4", "i1"}},
		{"absent last descending", f.query().OrderBy(Field("note"), Desc), []string{"i1", "i4", "i2", "i3"}},
		{
			"conditional key then secondary",
			f.query().OrderBy(When(Eq("paid", true), Value(0), Value(1)), Asc).ThenBy(Field("number"), Desc),
			[]string{"i4", "i1", "i3", "i2"},
		},
		{"through reference", f.query().Where(Exists("customer")).OrderBy(Field("customer.name"), Desc).ThenBy(Field("number"), Asc), []string{"i2", "i1", "i4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.ids(t, tt.q))
		})
	}
}

func TestPaging(t *testing.T) {
	f := newFixture(t)
	byNumber := f.query().OrderBy(Field("number"), Asc)

	assert.Equal(t, []string{"i2", "i3"}, f.ids(t, byNumber.Skip(1).Take(2)))
	assert.Equal(t, []string{"i2", "i3"}, f.ids(t, byNumber.Take(3).Skip(1)), "skip inside a taken window")
	assert.Equal(t, []string{"i1"}, f.ids(t, byNumber.Take(3).Take(1)))
	assert.Empty(t, f.ids(t, byNumber.Skip(10)))

	n, err := byNumber.Skip(1).Take(2).Count(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStates(t *testing.T) {
	f := newFixture(t)
	q := f.query()
	assert.Equal(t, Unbound, q.State())
	q = q.Where(Eq("paid", true))
	assert.Equal(t, Filtered, q.State())
	q = q.OrderBy(Field("number"), Asc)
	assert.Equal(t, Ordered, q.State())
	q = q.Select("number")
	assert.Equal(t, Projected, q.State())
	q = q.Take(5)
	assert.Equal(t, Paged, q.State())

	_, err := q.IDs(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, Executed, q.State())

	_, err = q.Count(f.ctx)
	assert.ErrorIs(t, err, types.ErrQueryExecuted)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = q.Skip(1).IDs(f.ctx)
	assert.ErrorIs(t, err, types.ErrQueryExecuted, "operators on an executed query fail")
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		q    *Query[*types.Entity]
	}{
		{"where after take", f.query().Take(1).Where(Eq("number", 1))},
		{"where after skip", f.query().Skip(1).Where(Eq("number", 1))},
		{"order after take", f.query().Take(1).OrderBy(Field("number"), Asc)},
		{"then by without order by", f.query().ThenBy(Field("number"), Asc)},
		{"within after take", f.query().Take(1).Within("i1")},
		{"include roots without within", f.query().IncludeRoots()},
		{"negative skip", f.query().Skip(-1)},
		{"negative take", f.query().Take(-1)},
		{"empty select", f.query().Select()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.q.Err(), types.ErrValidation)
			_, err := tt.q.IDs(f.ctx)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestOperatorsReturnCopies(t *testing.T) {
	f := newFixture(t)
	base := f.query().Where(Eq("paid", true))
	ordered := base.OrderBy(Field("total"), Desc)
	narrowed := base.Where(Eq("number", 1))

	assert.Equal(t, []string{"i1", "i4"}, f.ids(t, base))
	assert.Equal(t, []string{"i4", "i1"}, f.ids(t, ordered), "ordering keeps the filter")
	assert.Equal(t, []string{"i1"}, f.ids(t, narrowed))

	scoped := f.query().Within("i1")
	assert.Equal(t, []string{"i4"}, f.ids(t, scoped.OrderBy(Field("number"), Desc).Take(1)), "ordering keeps the scope")
}

func TestWithin(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"i2", "i4"}, f.ids(t, f.query().Within("i1")))
	assert.Equal(t, []string{"i1", "i2", "i4"}, f.ids(t, f.query().Within("i1").IncludeRoots()))
	assert.Equal(t, []string{"i4"}, f.ids(t, f.query().Within("i1").Where(Eq("paid", true))))
	assert.Empty(t, f.ids(t, f.query().Within("i3")))
}

func TestCountAnyAll(t *testing.T) {
	f := newFixture(t)

	n, err := f.query().Where(Eq("paid", true)).Count(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := f.query().Where(Eq("number", 99)).Any(f.ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.query().OrderBy(Field("number"), Asc).Skip(3).Any(f.ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	tests := []struct {
		name string
		q    *Query[*types.Entity]
		pred Pred
		want bool
	}{
		{"all hold", f.query().Where(Gt("total", 30)), Eq("paid", true), true},
		{"one fails", f.query(), Eq("paid", true), false},
		{"empty is true", f.query().Where(Eq("number", 99)), Eq("paid", false), true},
		{"unknown is not satisfied", f.query().Where(Exists("customer")), Eq("customer.city", "Paris"), false},
		{"within the page", f.query().OrderBy(Field("total"), Desc).Take(1), Eq("paid", true), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.q.All(f.ctx, tt.pred)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListTyped(t *testing.T) {
	f := newFixture(t)
	got, err := For[invoice](f.reg, f.b).Where(Lt("number", 3)).OrderBy(Field("number"), Asc).List(f.ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "i1", got[0].ObjectID)
	assert.Equal(t, 1, got[0].Number)
	assert.Equal(t, []string{"a", "b"}, got[0].Tags)
	require.True(t, got[0].Customer.Loaded())
	assert.Equal(t, "Ann", got[0].Customer.Value.Name)

	assert.Equal(t, "i1", got[1].ParentID)
	assert.Nil(t, got[1].Note)
}

func TestListDepthZeroKeepsReferencesIDOnly(t *testing.T) {
	f := newFixture(t)
	got, err := For[invoice](f.reg, f.b, WithDepth(0)).Where(Eq("number", 1)).List(f.ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].Customer.ID)
	assert.False(t, got[0].Customer.Loaded())
}

func TestProject(t *testing.T) {
	f := newFixture(t)
	rows, err := f.query(WithDepth(0)).OrderBy(Field("number"), Asc).Select("number", "customer.name").Project(f.ctx)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, Row{ID: "i1", Fields: map[string]any{"number": int64(1), "customer.name": "Ann"}}, rows[0])
	assert.Equal(t, Row{ID: "i3", Fields: map[string]any{"number": int64(3)}}, rows[2], "absent links are left out")

	_, err = f.query().Project(f.ctx)
	assert.ErrorIs(t, err, types.ErrValidation, "project needs selected fields")
}

func TestDistinct(t *testing.T) {
	f := newFixture(t)
	byNumber := func() *Query[*types.Entity] { return f.query().OrderBy(Field("number"), Asc) }

	got, err := byNumber().Distinct(f.ctx, "paid")
	require.NoError(t, err)
	assert.Equal(t, []any{true, false}, got)

	got, err = byNumber().Take(1).Distinct(f.ctx, "paid")
	require.NoError(t, err)
	assert.Equal(t, []any{true}, got, "paging applies before values are collected")

	got, err = byNumber().Distinct(f.ctx, "customer.name")
	require.NoError(t, err)
	assert.Equal(t, []any{"Ann", "Bob"}, got)

	_, err = byNumber().Distinct(f.ctx, "tags")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCompileErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		q    *Query[*types.Entity]
	}{
		{"unknown field", f.query().Where(Eq("missing", 1))},
		{"unknown linked field", f.query().Where(Eq("customer.missing", 1))},
		{"through a scalar", f.query().Where(Eq("number.x", 1))},
		{"literal of another class", f.query().Where(Eq("customer.name", 3))},
		{"null literal", f.query().Where(Eq("number", nil))},
		{"comparison on array", f.query().Where(Eq("tags", "a"))},
		{"contains on number", f.query().Where(Contains("number", "1", true))},
		{"empty and", f.query().Where(And())},
		{"zero predicate", f.query().Where(Pred{})},
		{"order by array", f.query().OrderBy(Field("tags"), Asc)},
		{"branches differ", f.query().OrderBy(When(Eq("paid", true), Value(1), Value("x")), Asc)},
		{"unsupported constant", f.query().OrderBy(Value(struct{}{}), Asc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.q.IDs(f.ctx)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestUnknownScheme(t *testing.T) {
	f := newFixture(t)
	_, err := New(types.NewType("Nope"), f.reg, f.b).IDs(f.ctx)
	assert.ErrorIs(t, err, types.ErrSchemeNotFound)
}

func TestGuardAndObserver(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var ops []string
	var failed []string
	observe := func(_ context.Context, op string, err error, _ time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		ops = append(ops, op)
		if err != nil {
			failed = append(failed, op)
		}
	}
	denied := errors.New("nope")
	info, err := f.reg.Lookup(f.ctx, "Invoice")
	require.NoError(t, err)

	var guarded string
	allow := func(_ context.Context, schemeID string) error {
		guarded = schemeID
		return nil
	}
	_, err = f.query(WithGuard(allow), WithObserver(observe)).Count(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, info.Scheme.SchemeID, guarded)

	deny := func(context.Context, string) error { return denied }
	_, err = f.query(WithGuard(deny), WithObserver(observe)).IDs(f.ctx)
	assert.ErrorIs(t, err, denied)

	assert.Equal(t, []string{"count", "ids"}, ops)
	assert.Equal(t, []string{"ids"}, failed)
}

func TestParseCondition(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		in   string
		want []string
	}{
		{"number = 2", []string{"i2"}},
		{"number == 2", []string{"i2"}},
		{"total >= 25.5", []string{"i2", "i4"}},
		{"total > 9 and paid = true", []string{"i1", "i4"}},
		{"number != 1 AND number <> 2", []string{"i3", "i4"}},
		{`customer.name = "Ann"`, []string{"i1", "i4"}},
		{"customer.name = 'Bob'", []string{"i2"}},
		{"note ~ RUSH", []string{"i1", "i4"}},
		{`note ~ "order and more"`, nil},
		{"note ?", []string{"i1", "i4"}},
		{"number < 2", []string{"i1"}},
		{"total <= 7", []string{"i3"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParseCondition(tt.in)
			require.NoError(t, err)
			got := f.ids(t, f.query().Where(p))
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseConditionErrors(t *testing.T) {
	for _, in := range []string{"", "number", "= 3", `note = "open`, "number = 1 and", "number ! 3"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseCondition(in)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}

	f := newFixture(t)
	p, err := ParseCondition("number = abc")
	require.NoError(t, err, "unquoted values are typed when compiled")
	_, err = f.query().Where(p).IDs(f.ctx)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestPredString(t *testing.T) {
	p := And(Eq("number", 2), Not(Exists("note")), ArrayCount("tags", filter.OpGt, 1))
	assert.Equal(t, `(number eq 2 and not exists(note) and count(tags) gt 1)`, p.String())
	assert.Equal(t, `name contains "x"`, Contains("name", "x", true).String())
}
