package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	id := "ptx_0190a1b2"

	cursor, err := Decode(Encode(ts, id))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode("not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidCursor)

	// Valid base64 but no | separator
	_, err = Decode("bm9waXBl")
	assert.ErrorIs(t, err, ErrInvalidCursor)

	// Separator present but timestamp is not a number
	_, err = Decode("YWJjfHg") // "abc|x"
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestCursor_Admits(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: base, ID: "m"}

	assert.True(t, c.Admits(base.Add(-time.Second), "z"), "older rows come after the cursor")
	assert.False(t, c.Admits(base.Add(time.Second), "a"), "newer rows were already served")
	assert.True(t, c.Admits(base, "a"), "ties break on id descending")
	assert.False(t, c.Admits(base, "m"), "the cursor row itself is excluded")
	assert.False(t, c.Admits(base, "z"))

	var none *Cursor
	assert.True(t, none.Admits(base, "anything"))
}

func TestComputePage_NoMore(t *testing.T) {
	items := []string{"a", "b", "c"}
	result, cursor, hasMore := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, result, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePage_HasMore(t *testing.T) {
	items := []string{"d", "c", "b", "a"}
	result, cursor, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Len(t, result, 3)
	assert.True(t, hasMore)

	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 50, ParseLimit("", 50, 200))
	assert.Equal(t, 50, ParseLimit("abc", 50, 200))
	assert.Equal(t, 50, ParseLimit("-3", 50, 200))
	assert.Equal(t, 20, ParseLimit("20", 50, 200))
	assert.Equal(t, 200, ParseLimit("5000", 50, 200))
}
