package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoogleDrive_Detect(t *testing.T) {
	g := NewGoogleDrive(nil)
	cases := []struct {
		input  string
		wantID string
		wantOK bool
	}{
		{"https://drive.google.com/file/d/1mFrMybb8RsSrg4KTx6C3wp1xPdD4nAeI/view?usp=sharing", "1mFrMybb8RsSrg4KTx6C3wp1xPdD4nAeI", true},
		{"https://drive.google.com/open?id=1mFrMybb8RsSrg4KTx6C3wp1xPdD4nAeI", "1mFrMybb8RsSrg4KTx6C3wp1xPdD4nAeI", true},
		{"https://example.com/not-a-drive-link", "", false},
		{"just some text", "", false},
	}
	for _, c := range cases {
		id, ok := g.Detect(c.input)
		assert.Equal(t, c.wantOK, ok, c.input)
		assert.Equal(t, c.wantID, id, c.input)
	}
}

func TestDropbox_Detect(t *testing.T) {
	d := &Dropbox{}
	const testURL = "https://www.dropbox.com/scl/fi/aw5ohfvtfoc2nnn4nl2n6/foo.zip?rlkey=1sholbp5uxq15dk0ke5ljtwsz&st=gpkdzloy&dl=0"
	const testURL2 = "https://www.dropbox.com/s/abc123/test.zip?dl=0"

	cases := []struct {
		input  string
		want   string
		wantOK bool
	}{
		{testURL, testURL, true},
		{testURL2, testURL2, true},
		{"Check out this link: " + testURL + " neat", testURL, true},
		{"https://example.com/not-a-dropbox-link", "", false},
		{"just some text", "", false},
	}
	for _, c := range cases {
		got, ok := d.Detect(c.input)
		assert.Equal(t, c.wantOK, ok, c.input)
		assert.Equal(t, c.want, got, c.input)
	}
}

func TestSpeedrun_Detect(t *testing.T) {
	s := NewSpeedrun(nil)
	const testURL = "https://www.speedrun.com/static/resource/abc123.zip"

	got, ok := s.Detect(testURL)
	assert.True(t, ok)
	assert.Equal(t, testURL, got)

	_, ok = s.Detect("https://example.com/not-a-speedrun-link")
	assert.False(t, ok)
}

func TestFallbackName(t *testing.T) {
	assert.Equal(t, "abc123.zip", fallbackName("https://www.speedrun.com/static/resource/abc123.zip"))
	assert.Equal(t, "abc123.zip", fallbackName("https://www.speedrun.com/static/resource/abc123.zip?foo=bar"))
}
