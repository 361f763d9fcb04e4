package describe

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attic/pkg/types"
)

type address struct {
	Street string `attic:"street"`
	City   string `attic:"city"`
}

type customer struct {
	types.Object
	Name string `attic:"name"`
}

type order struct {
	types.Object
	Number   int                  `attic:"number"`
	Total    types.Decimal        `attic:"total"`
	Placed   time.Time            `attic:"placed"`
	Paid     bool                 `attic:"paid"`
	Note     *string              `attic:"note"`
	Tags     []string             `attic:"tags,optional"`
	Lines    []address            `attic:"lines"`
	Ship     *address             `attic:"ship"`
	Customer types.Link[customer] `attic:"customer"`
	Scratch  string               `attic:"-"`
	internal int
}

func (order) AtticType() string  { return "Order" }
func (order) AtticAlias() string { return "Sales order" }

type treeNode struct {
	Label string    `attic:"label"`
	Left  *treeNode `attic:"left"`
}

func TestDescriptorFields(t *testing.T) {
	d, err := Of[order]()
	require.NoError(t, err)

	assert.Equal(t, "Order", d.TypeName())
	assert.Equal(t, "Sales order", d.Alias())
	assert.True(t, d.HasHeader())

	byName := map[string]types.FieldDescriptor{}
	for _, f := range d.Fields() {
		byName[f.Name] = f
	}
	tests := []struct {
		field    string
		kind     types.ValueKind
		array    bool
		optional bool
		target   string
	}{
		{"number", types.KindInteger, false, false, ""},
		{"total", types.KindDecimal, false, false, ""},
		{"placed", types.KindTimestamp, false, false, ""},
		{"paid", types.KindBoolean, false, false, ""},
		{"note", types.KindText, false, true, ""},
		{"tags", types.KindText, true, true, ""},
		{"lines", types.KindNested, true, false, "address"},
		{"ship", types.KindNested, false, true, "address"},
		{"customer", types.KindReference, false, false, "customer"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			f, ok := byName[tt.field]
			require.True(t, ok)
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, tt.array, f.Array)
			assert.Equal(t, tt.optional, f.Optional)
			assert.Equal(t, tt.target, f.TargetName())
		})
	}

	assert.True(t, byName["Scratch"].Excluded)
	_, hasInternal := byName["internal"]
	assert.False(t, hasInternal)
	assert.Len(t, types.PersistedFields(d), 9)
}

func TestDescriptorRecursiveType(t *testing.T) {
	d, err := Of[treeNode]()
	require.NoError(t, err)
	left := d.Fields()[1]
	assert.Equal(t, types.KindNested, left.Kind)
	assert.Same(t, d, left.Target)
}

func TestDescriptorRejectsUnsupported(t *testing.T) {
	type bad struct {
		Ch chan int
	}
	_, err := Of[bad]()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = For(reflect.TypeFor[int]())
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestEntityRoundTrip(t *testing.T) {
	note := "leave at door"
	placed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	src := order{
		Object:   types.Object{ObjectID: "o-1", Name: "first"},
		Number:   42,
		Total:    "19.99",
		Placed:   placed,
		Paid:     true,
		Note:     &note,
		Lines:    []address{{Street: "Main", City: "Oslo"}, {Street: "Side", City: "Bergen"}},
		Customer: types.LinkTo[customer]("c-1"),
		Scratch:  "dropped",
	}

	ent, d, err := ToEntity(&src)
	require.NoError(t, err)
	assert.Equal(t, "Order", d.TypeName())
	assert.Equal(t, "o-1", ent.Object.ObjectID)

	rec := ent.Record
	assert.Equal(t, int64(42), rec.Fields["number"])
	assert.Equal(t, types.Decimal("19.99"), rec.Fields["total"])
	_, hasTags := rec.Get("tags")
	assert.False(t, hasTags, "nil optional slice is absent")
	_, hasShip := rec.Get("ship")
	assert.False(t, hasShip, "nil pointer is absent")
	_, hasScratch := rec.Get("Scratch")
	assert.False(t, hasScratch)
	ref, ok := rec.Lookup("customer")
	require.True(t, ok)
	assert.Equal(t, "c-1", ref.(types.Reference).ID)

	var dst order
	require.NoError(t, FromEntity(ent, &dst))
	src.Scratch = ""
	assert.Equal(t, src, dst)
}

func TestFromRecordLoadedLink(t *testing.T) {
	rec := types.NewRecord("Order").
		Set("number", int64(7)).
		Set("customer", types.Reference{
			ID: "c-9",
			Target: &types.Entity{
				Object: types.Object{ObjectID: "c-9"},
				Record: types.NewRecord("customer").Set("name", "Ada"),
			},
		})
	var dst order
	require.NoError(t, FromRecord(rec, types.Object{ObjectID: "o-7"}, &dst))
	assert.Equal(t, "o-7", dst.ObjectID)
	require.True(t, dst.Customer.Loaded())
	assert.Equal(t, "Ada", dst.Customer.Value.Name)
	assert.Equal(t, "c-9", dst.Customer.Value.ObjectID)
}

func TestFromRecordTypeMismatch(t *testing.T) {
	var dst order
	err := FromRecord(types.NewRecord("Invoice"), types.Object{}, &dst)
	assert.ErrorIs(t, err, types.ErrValidation)

	err = FromRecord(types.NewRecord("Order").Set("number", "seven"), types.Object{}, &dst)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestToRecordCycle(t *testing.T) {
	n := &treeNode{Label: "a"}
	n.Left = n
	_, err := ToRecord(n)
	assert.ErrorIs(t, err, types.ErrValidation)
}
