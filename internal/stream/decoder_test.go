package stream_test

import (
	"testing"

	"github.com/MegaGrindStone/chatbase-ui/internal/stream"
	"github.com/stretchr/testify/assert"
)

func feedAll(d *stream.Decoder, chunks ...string) {
	for _, c := range chunks {
		if d.Feed(c) {
			return
		}
	}
	d.Finish()
}

func TestDecoderChunkBoundaries(t *testing.T) {
	whole := &stream.Decoder{}
	feedAll(whole, "data: {\"chunk\":\"AB\"}\n")

	split := &stream.Decoder{}
	feedAll(split, "data: {\"chu", "nk\":\"AB\"}\n")

	assert.Equal(t, "AB", whole.Text())
	assert.Equal(t, whole.Text(), split.Text())
}

func TestDecoderEveryByteSplit(t *testing.T) {
	body := "data: {\"chunk\":\"Hel\"}\n\ndata: {\"chunk\":\"lo!\"}\n\ndata: [DONE]\n\n"

	d := &stream.Decoder{}
	done := false
	for i := 0; i < len(body) && !done; i++ {
		done = d.Feed(body[i : i+1])
	}

	assert.True(t, done)
	assert.Equal(t, "Hello!", d.Text())
}

func TestDecoderPendingHeldUntilNewline(t *testing.T) {
	d := &stream.Decoder{}

	assert.False(t, d.Feed("data: {\"chunk\":\"He\"}"))
	assert.Equal(t, "", d.Text())
	assert.Equal(t, "data: {\"chunk\":\"He\"}", d.State().Pending)

	assert.False(t, d.Feed("\n"))
	assert.Equal(t, "He", d.Text())
	assert.Equal(t, "", d.State().Pending)
}

func TestDecoderSentinelStopsWithinChunk(t *testing.T) {
	d := &stream.Decoder{}

	done := d.Feed("data: {\"chunk\":\"ok\"}\ndata: [DONE]\ndata: {\"chunk\":\"ignored\"}\n")
	assert.True(t, done)
	assert.True(t, d.Done())
	assert.Equal(t, "ok", d.Text())

	assert.True(t, d.Feed("data: {\"chunk\":\"later\"}\n"))
	assert.Equal(t, "ok", d.Text())
}

func TestDecoderSkipsMalformedFragment(t *testing.T) {
	d := &stream.Decoder{}
	feedAll(d, "data: {bad json}\n", "data: {\"chunk\":\"ok\"}\n")

	assert.Equal(t, "ok", d.Text())
	assert.Equal(t, 1, d.Skipped())
}

func TestDecoderAccumulates(t *testing.T) {
	d := &stream.Decoder{}

	d.Feed("data: {\"chunk\":\"He\"}\n")
	assert.Equal(t, "He", d.Text())

	d.Feed("data: {\"chunk\":\"llo\"}\n")
	assert.Equal(t, "Hello", d.Text())
}

func TestDecoderIgnoresNoise(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{
			name:   "comments and event lines",
			chunks: []string{": keep-alive\nevent: message\nid: 1\ndata: {\"chunk\":\"a\"}\n"},
			want:   "a",
		},
		{
			name:   "empty payload",
			chunks: []string{"data:\ndata:   \ndata: {\"chunk\":\"b\"}\n"},
			want:   "b",
		},
		{
			name:   "carriage returns",
			chunks: []string{"data: {\"chunk\":\"c\"}\r\n\r\n"},
			want:   "c",
		},
		{
			name:   "no space after prefix",
			chunks: []string{"data:{\"chunk\":\"d\"}\n"},
			want:   "d",
		},
		{
			name:   "fragment without chunk field",
			chunks: []string{"data: {\"other\":1}\ndata: {\"chunk\":\"e\"}\n"},
			want:   "e",
		},
		{
			name:   "plain text payload",
			chunks: []string{"data: Permission denied\n"},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &stream.Decoder{}
			feedAll(d, tt.chunks...)
			assert.Equal(t, tt.want, d.Text())
		})
	}
}

func TestDecoderFinishFlushesTrailingLine(t *testing.T) {
	d := &stream.Decoder{}
	d.Feed("data: {\"chunk\":\"x\"}\ndata: {\"chunk\":\"y\"}")
	assert.Equal(t, "x", d.Text())

	d.Finish()
	assert.True(t, d.Done())
	assert.Equal(t, "xy", d.Text())
}

func TestDecodeAll(t *testing.T) {
	body := "data:{\"chunk\":\"こんにちは\"}\n\ndata:{\"chunk\":\"、\"}\n\ndata:[DONE]\n\n"
	assert.Equal(t, "こんにちは、", stream.DecodeAll(body))

	assert.Equal(t, "", stream.DecodeAll(""))
	assert.Equal(t, "tail", stream.DecodeAll("data: {\"chunk\":\"tail\"}"))
}
