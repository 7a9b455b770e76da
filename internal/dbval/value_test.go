package dbval

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroValueIsUndefined(t *testing.T) {
	var v Value
	assert.Equal(t, Undefined, v.Kind())
	assert.False(t, v.IsValid())
	assert.Nil(t, v.SQL())
	assert.Equal(t, "<<INVALID>>", v.Format(0))
}

func TestFromSQL(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Value
	}{
		{"nil", nil, NewNull()},
		{"int64", int64(42), NewInteger(42)},
		{"bool", true, NewInteger(1)},
		{"float", 1.5, NewFloat(1.5)},
		{"string", "abc", NewText("abc")},
		{"bytes", []byte{1, 2}, NewBlob([]byte{1, 2})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromSQL(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}
}

func TestFromSQL_Time(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	v, err := FromSQL(ts)
	require.NoError(t, err)
	assert.Equal(t, Text, v.Kind())
	assert.Equal(t, "2024-03-01 12:30:00+00:00", v.Text())
}

func TestFromSQL_Unsupported(t *testing.T) {
	_, err := FromSQL(struct{}{})
	assert.Error(t, err)
}

func TestNewBlob_Copies(t *testing.T) {
	src := []byte{1, 2, 3}
	v := NewBlob(src)
	src[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, v.Blob())
}

func TestEqual(t *testing.T) {
	assert.True(t, NewInteger(1).Equal(NewInteger(1)))
	assert.False(t, NewInteger(1).Equal(NewFloat(1)))
	assert.False(t, NewText("a").Equal(NewBlob([]byte("a"))))
	assert.True(t, NewNull().Equal(NewNull()))
	assert.True(t, Value{}.Equal(Value{}))
	nan := NewFloat(math.NaN())
	assert.True(t, nan.Equal(nan))
}

func TestSQL_EmptyBlobStaysBlob(t *testing.T) {
	v := NewBlob(nil)
	b, ok := v.SQL().([]byte)
	require.True(t, ok)
	assert.NotNil(t, b)
	assert.Len(t, b, 0)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "7", NewInteger(7).Format(0))
	assert.Equal(t, "2.5", NewFloat(2.5).Format(0))
	assert.Equal(t, `"hi"`, NewText("hi").Format(0))
	assert.Equal(t, "NULL", NewNull().Format(0))
	assert.Equal(t, "...", NewBlob([]byte("x")).Format(0))
	assert.Contains(t, NewBlob([]byte("AB")).Format(1), "4142")
}

func TestHexDump(t *testing.T) {
	out := HexDump([]byte("ABCDE"))
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "41424344 45"))
	assert.True(t, strings.HasSuffix(lines[1], "|ABCDE"+strings.Repeat(" ", 27)+" |"))

	long := HexDump(make([]byte, 40))
	assert.Equal(t, 3, strings.Count(long, "\n"))
	assert.Equal(t, "<null>", HexDump(nil))
}
