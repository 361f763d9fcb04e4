package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValueSame(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"equal text", Value{Kind: KindText, Scalar: "a"}, Value{Kind: KindText, Scalar: "a"}, true},
		{"different text", Value{Kind: KindText, Scalar: "a"}, Value{Kind: KindText, Scalar: "b"}, false},
		{"timestamps in other zones", Value{Kind: KindTimestamp, Scalar: at}, Value{Kind: KindTimestamp, Scalar: at.In(time.FixedZone("x", 3600))}, true},
		{"integer widened to float", Value{Kind: KindInteger, Scalar: int64(4)}, Value{Kind: KindFloat, Scalar: 4.0}, true},
		{"float then integer", Value{Kind: KindFloat, Scalar: 4.0}, Value{Kind: KindInteger, Scalar: int64(4)}, true},
		{"fractional float", Value{Kind: KindInteger, Scalar: int64(4)}, Value{Kind: KindFloat, Scalar: 4.5}, false},
		{"integer widened to decimal", Value{Kind: KindInteger, Scalar: int64(12)}, Value{Kind: KindDecimal, Scalar: Decimal("12.00")}, true},
		{"other decimal", Value{Kind: KindInteger, Scalar: int64(12)}, Value{Kind: KindDecimal, Scalar: Decimal("12.5")}, false},
		{"text is not a widening", Value{Kind: KindInteger, Scalar: int64(1)}, Value{Kind: KindText, Scalar: "1"}, false},
		{"absent differs", Value{Kind: KindInteger, Scalar: int64(1)}, Value{Kind: KindFloat, Scalar: 1.0, Absent: true}, false},
		{"refs differ", Value{Kind: KindReference, Ref: "a"}, Value{Kind: KindReference, Ref: "b"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Same(tt.b))
		})
	}
}
