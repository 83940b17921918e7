package pagination

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffset(t *testing.T) {
	cases := []struct {
		query string
		want  OffsetParams
	}{
		{"", OffsetParams{Page: 1, Limit: DefaultLimit}},
		{"page=3&limit=10", OffsetParams{Page: 3, Limit: 10}},
		{"page=-1&limit=0", OffsetParams{Page: 1, Limit: DefaultLimit}},
		{"page=x&limit=1000", OffsetParams{Page: 1, Limit: MaxLimit}},
	}
	for _, tc := range cases {
		q, _ := url.ParseQuery(tc.query)
		assert.Equal(t, tc.want, ParseOffset(q), tc.query)
	}
	assert.Equal(t, 20, OffsetParams{Page: 3, Limit: 10}.Offset())
}

func TestNewOffsetMeta(t *testing.T) {
	m := NewOffsetMeta(OffsetParams{Page: 2, Limit: 10}, 25)
	assert.Equal(t, 3, m.TotalPages)
	assert.True(t, m.HasNext)
	assert.True(t, m.HasPrev)

	m = NewOffsetMeta(OffsetParams{Page: 1, Limit: 10}, 0)
	assert.Equal(t, 0, m.TotalPages)
	assert.False(t, m.HasNext)
	assert.False(t, m.HasPrev)
}

func TestCursorRoundTrip(t *testing.T) {
	in := Cursor{ID: "4b6c", Value: "2026-01-02T03:04:05Z"}
	out, err := DecodeCursor(EncodeCursor(in))
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestDecodeCursor_Invalid(t *testing.T) {
	c, err := DecodeCursor("")
	assert.NoError(t, err)
	assert.Nil(t, c)

	for _, bad := range []string{"%%%", "bm90LWpzb24", EncodeCursor(Cursor{})} {
		_, err := DecodeCursor(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}

	_, err = ParseCursor(url.Values{"cursor": {"garbage!"}})
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestBuildCursorPage(t *testing.T) {
	type row struct{ ID string }
	cursorOf := func(r row) Cursor { return Cursor{ID: r.ID} }

	rows, meta := BuildCursorPage([]row{{"a"}, {"b"}, {"c"}}, 2, cursorOf)
	assert.Equal(t, []row{{"a"}, {"b"}}, rows)
	assert.True(t, meta.HasNext)
	assert.False(t, meta.HasPrev)
	next, err := DecodeCursor(meta.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", next.ID)

	rows, meta = BuildCursorPage([]row{{"a"}}, 2, cursorOf)
	assert.Len(t, rows, 1)
	assert.False(t, meta.HasNext)
	assert.Empty(t, meta.NextCursor)
	assert.False(t, meta.HasPrev)
}

func TestParseSort(t *testing.T) {
	allowed := map[string]string{"createdAt": "created_at", "name": "name"}
	def := Sort{Field: "createdAt", Column: "created_at", Desc: true}

	assert.Equal(t, Sort{Field: "name", Column: "name"}, ParseSort("name", allowed, def))
	assert.Equal(t, Sort{Field: "name", Column: "name", Desc: true}, ParseSort("-name", allowed, def))
	assert.Equal(t, def, ParseSort("password; DROP TABLE", allowed, def))
	assert.Equal(t, def, ParseSort("", allowed, def))
	assert.Equal(t, "name DESC", ParseSort("-name", allowed, def).Clause())
}

func TestParseFilters(t *testing.T) {
	q, _ := url.ParseQuery("status=ACTIVE&evil=1&campaignId=&name=x")
	got := ParseFilters(q, map[string]string{"status": "status", "campaignId": "campaign_id"})
	assert.Equal(t, map[string]string{"status": "ACTIVE"}, got)
}
