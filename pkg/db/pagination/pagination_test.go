package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	token, err := EncodeCursor(Cursor{ID: 42, CreatedAt: at})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cursor.ID)
	assert.True(t, cursor.CreatedAt.Equal(at))

	_, err = DecodeCursor("%%%")
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}

func TestPageTrimsExtraRow(t *testing.T) {
	rows := []int64{5, 4, 3}
	p := Pagination{PageSize: 2}

	page, info, err := Page(rows, p, func(v int64) Cursor { return Cursor{ID: v} })
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 4}, page)
	assert.True(t, info.HasMore)
	assert.NotEmpty(t, info.NextPageToken)

	page, info, err = Page(rows[:1], p, func(v int64) Cursor { return Cursor{ID: v} })
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.False(t, info.HasMore)
}

func TestSizeClamp(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Size())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 10_000}.Size())
}
