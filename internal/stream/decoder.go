package stream

import (
	"encoding/json"
	"strings"
)

const (
	dataPrefix = "data:"

	// Sentinel is the payload marking the normal end of a reply stream.
	Sentinel = "[DONE]"
)

// State is the per-request decoding state of one assistant reply.
type State struct {
	// Accumulated is the full reply text decoded so far.
	Accumulated string
	// Pending holds a trailing partial line waiting for the rest of it to arrive.
	Pending string
	// Done is set once the sentinel was seen or the stream was finished.
	Done bool
}

// Decoder turns the raw chunks of a reply stream into the reply text. Chunks may split lines anywhere;
// the decoder only interprets complete lines, so the result does not depend on how the transport
// delivered the bytes.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	state   State
	skipped int
}

type fragment struct {
	Chunk string `json:"chunk"`
}

// Feed decodes one chunk and reports whether the stream is done. Once done, further chunks are ignored.
func (d *Decoder) Feed(chunk string) bool {
	if d.state.Done {
		return true
	}

	lines := strings.Split(d.state.Pending+chunk, "\n")
	d.state.Pending = lines[len(lines)-1]

	for _, line := range lines[:len(lines)-1] {
		if d.decodeLine(line) {
			d.state.Done = true
			d.state.Pending = ""
			return true
		}
	}
	return false
}

// Finish ends the stream. A trailing line that never got its newline is decoded as a complete line.
func (d *Decoder) Finish() {
	if d.state.Done {
		return
	}
	if d.state.Pending != "" {
		d.decodeLine(d.state.Pending)
		d.state.Pending = ""
	}
	d.state.Done = true
}

// Text returns the full reply text decoded so far.
func (d *Decoder) Text() string {
	return d.state.Accumulated
}

// Done reports whether the stream reached its end.
func (d *Decoder) Done() bool {
	return d.state.Done
}

// State returns a copy of the decoding state.
func (d *Decoder) State() State {
	return d.state
}

// Skipped returns the number of data payloads dropped because they were not valid fragments.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// decodeLine applies one complete line and reports whether it was the sentinel.
func (d *Decoder) decodeLine(line string) bool {
	if !strings.HasPrefix(line, dataPrefix) {
		return false
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	switch payload {
	case Sentinel:
		return true
	case "":
		return false
	}

	var f fragment
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		d.skipped++
		return false
	}
	d.state.Accumulated += f.Chunk
	return false
}

// DecodeAll decodes a reply delivered as one complete body, such as a welcome message, and returns
// its text.
func DecodeAll(body string) string {
	var d Decoder
	if !d.Feed(body) {
		d.Finish()
	}
	return d.Text()
}
