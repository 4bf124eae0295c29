package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPostingStatus(t *testing.T) {
	for _, s := range ActiveStatuses {
		assert.False(t, s.Terminal(), s)
		assert.True(t, s.Valid(), s)
	}
	for _, s := range []PostingStatus{PostingCompleted, PostingFailed, PostingTimeout} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, PostingStatus("archived").Valid())
}

func TestPreparedAssetsURLs(t *testing.T) {
	var nilAssets *PreparedAssets
	assert.Nil(t, nilAssets.URLs())

	a := &PreparedAssets{Images: []PreparedImage{{URL: "a"}, {URL: ""}, {URL: "b"}}}
	assert.Equal(t, []string{"a", "b"}, a.URLs())
}

func TestVehicleHeadline(t *testing.T) {
	v := &Vehicle{Year: 2019, Make: "Honda", Model: "Civic"}
	assert.Equal(t, "2019 Honda Civic", v.Headline())
	v.Trim = "EX"
	assert.Equal(t, "2019 Honda Civic EX", v.Headline())
}

func TestPostingPatchHelpers(t *testing.T) {
	p := StatusPatch(PostingFailed).WithError("boom")
	if assert.NotNil(t, p.Status) {
		assert.Equal(t, PostingFailed, *p.Status)
	}
	if assert.NotNil(t, p.Error) {
		assert.Equal(t, "boom", *p.Error)
	}
	assert.Nil(t, p.CompletedAt)
}
