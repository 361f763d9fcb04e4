package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/mesh-intelligence/attic/pkg/types"
)

// maxNesting bounds record depth so a hand-built cyclic record fails
// instead of recursing forever.
const maxNesting = 64

// Hash returns the content hash of rec: sha256 over a canonical encoding of
// the type name and every present field, fields sorted by name.
func Hash(rec *types.Record) (string, error) {
	h := sha256.New()
	w := &canonical{buf: make([]byte, 0, 256)}
	if err := w.record(rec, 0); err != nil {
		return "", err
	}
	h.Write(w.buf)
	return hex.EncodeToString(h.Sum(nil)), nil
}

type canonical struct {
	buf []byte
}

func (c *canonical) str(tag byte, s string) {
	c.buf = append(c.buf, tag)
	c.buf = strconv.AppendInt(c.buf, int64(len(s)), 10)
	c.buf = append(c.buf, ':')
	c.buf = append(c.buf, s...)
}

func (c *canonical) record(rec *types.Record, depth int) error {
	if depth > maxNesting {
		return types.Invalid("hash", "record nesting exceeds %d", maxNesting)
	}
	if rec == nil {
		c.buf = append(c.buf, 'N')
		return nil
	}
	c.str('T', rec.Type)
	names := make([]string, 0, len(rec.Fields))
	for k, v := range rec.Fields {
		if v != nil {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	c.buf = append(c.buf, '{')
	for _, k := range names {
		c.str('k', k)
		if err := c.value(rec.Fields[k], depth); err != nil {
			return fmt.Errorf("hashing %s: %w", k, err)
		}
	}
	c.buf = append(c.buf, '}')
	return nil
}

func (c *canonical) value(v any, depth int) error {
	switch x := v.(type) {
	case string:
		c.str('s', x)
	case int64:
		c.buf = append(c.buf, 'i')
		c.buf = strconv.AppendInt(c.buf, x, 10)
		c.buf = append(c.buf, ';')
	case int:
		return c.value(int64(x), depth)
	case float64:
		// Integral floats hash like integers so a widened field keeps its hash.
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return c.value(int64(x), depth)
		}
		c.buf = append(c.buf, 'f')
		c.buf = strconv.AppendFloat(c.buf, x, 'g', -1, 64)
		c.buf = append(c.buf, ';')
	case types.Decimal:
		c.str('d', string(x))
	case bool:
		if x {
			c.buf = append(c.buf, 'b', '1')
		} else {
			c.buf = append(c.buf, 'b', '0')
		}
	case time.Time:
		c.str('t', types.FormatTimestamp(x))
	case types.Reference:
		c.str('r', x.ID)
	case *types.Record:
		return c.record(x, depth+1)
	case []any:
		c.buf = append(c.buf, '[')
		c.buf = strconv.AppendInt(c.buf, int64(len(x)), 10)
		c.buf = append(c.buf, ':')
		for _, e := range x {
			if err := c.value(e, depth); err != nil {
				return err
			}
		}
		c.buf = append(c.buf, ']')
	default:
		return types.Invalid("hash", "unsupported value %T", v)
	}
	return nil
}
