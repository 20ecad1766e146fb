package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityRank_Ordering(t *testing.T) {
	ordered := []QueuePriority{
		PriorityText, PriorityMarkup, PriorityPDF,
		PriorityImage, PriorityOCR, PriorityDeferred,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Less(t, PriorityRank(ordered[i-1]), PriorityRank(ordered[i]),
			"%s must dequeue before %s", ordered[i-1], ordered[i])
	}

	// Unknown priorities sort after everything known.
	assert.Greater(t, PriorityRank(QueuePriority("bogus")), PriorityRank(PriorityDeferred))
}

func TestEncodeDeferReason(t *testing.T) {
	s := EncodeDeferReason(DeferRawTextOversize, "file is 2 GiB")
	assert.Equal(t, "DEFER_REASON:raw_text_oversize: file is 2 GiB", s)

	s = EncodeDeferReason(DeferParsedTextOversize, "")
	assert.Equal(t, "DEFER_REASON:parsed_text_oversize", s)
}

func TestDecodeDeferReason_RoundTrip(t *testing.T) {
	for _, reason := range []DeferReason{
		DeferRawTextOversize, DeferRawMarkupOversize, DeferParsedTextOversize,
	} {
		got, ok := DecodeDeferReason(EncodeDeferReason(reason, "detail"))
		require.True(t, ok)
		assert.Equal(t, reason, got)
	}
}

func TestDecodeDeferReason_PlainError(t *testing.T) {
	_, ok := DecodeDeferReason("parse failed: unexpected EOF")
	assert.False(t, ok)

	_, ok = DecodeDeferReason("")
	assert.False(t, ok)
}

func TestDecodeDeferReason_UnknownToken(t *testing.T) {
	got, ok := DecodeDeferReason("DEFER_REASON:future_reason: whatever")
	require.True(t, ok)
	assert.Equal(t, DeferUnknown, got)
}
