package intake

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

func fixedID(id string) func() (string, error) {
	return func() (string, error) { return id, nil }
}

func TestDecodeAssignsMissingJobID(t *testing.T) {
	t.Parallel()

	v := NewValidator()
	job, err := v.Decode(
		[]byte(`{"job_kind":"wikipedia","url":"https://en.wikipedia.org/wiki/Cat","user_id":"u1"}`),
		fixedID("generated-1"),
	)
	require.NoError(t, err)
	assert.Equal(t, "generated-1", job.ID)
	assert.Equal(t, scrape.JobKindWikipedia, job.Kind)
	assert.Equal(t, "u1", job.UserID)
}

func TestDecodeKeepsProvidedJobID(t *testing.T) {
	t.Parallel()

	v := NewValidator()
	job, err := v.Decode(
		[]byte(`{"job_id":"abc","job_kind":"news","url":"https://example.com/a","user_id":"u2","metadata":{"k":"v"}}`),
		fixedID("unused"),
	)
	require.NoError(t, err)
	assert.Equal(t, "abc", job.ID)
	assert.Equal(t, "v", job.Metadata["k"])
}

func TestDecodeRejectsInvalidRecords(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		body  string
		field string
		rule  string
	}{
		{"unknown kind", `{"job_kind":"video","url":"https://x.test","user_id":"u"}`, "job_kind", "oneof"},
		{"missing user", `{"job_kind":"news","url":"https://x.test","user_id":"  "}`, "user_id", "required"},
		{"relative url", `{"job_kind":"news","url":"/wiki/Cat","user_id":"u"}`, "url", "url"},
		{"ftp url", `{"job_kind":"news","url":"ftp://x.test/file","user_id":"u"}`, "url", "absurl"},
		{"not json", `{"job_kind":`, "body", "json"},
	}
	v := NewValidator()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := v.Decode([]byte(tc.body), fixedID("id"))
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr), "expected ValidationError, got %v", err)
			require.NotEmpty(t, vErr.Issues)
			assert.Equal(t, tc.field, vErr.Issues[0].Field)
			assert.Equal(t, tc.rule, vErr.Issues[0].Rule)
		})
	}
}

func TestDecodeBatch(t *testing.T) {
	t.Parallel()

	v := NewValidator()
	n := 0
	newID := func() (string, error) {
		n++
		return []string{"a", "b"}[n-1], nil
	}

	jobs, err := v.DecodeBatch([]byte(`[
		{"job_kind":"wikipedia","url":"https://en.wikipedia.org/wiki/Dog","user_id":"u1"},
		{"job_kind":"news","url":"https://news.example.com/x","user_id":"u1"}
	]`), newID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "b", jobs[1].ID)

	single, err := v.DecodeBatch([]byte(` {"job_kind":"news","url":"https://n.test","user_id":"u"}`), fixedID("z"))
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, "z", single[0].ID)

	_, err = v.DecodeBatch([]byte(`[]`), fixedID("z"))
	require.ErrorIs(t, err, ErrEmptyBatch)

	_, err = v.DecodeBatch([]byte(`[{"job_kind":"news","url":"https://n.test","user_id":"u"},{"job_kind":"x"}]`), fixedID("z"))
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Contains(t, vErr.Issues[0].Field, "[1].")
}
