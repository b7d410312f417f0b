package main

import (
	"io"
	"strings"
	"sync"

	"github.com/MegaGrindStone/chatbase-ui/internal/models"
)

// printer renders transcript events to a terminal. The reply in flight is printed incrementally: each
// update writes only the text added since the last one, unless the text was rewritten.
type printer struct {
	mu  sync.Mutex
	out io.Writer

	replaying bool
	inFlight  string
	printed   string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

// replay runs fn with user messages echoed, for transcript entries the user did not just type.
func (p *printer) replay(fn func() error) error {
	p.mu.Lock()
	p.replaying = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.replaying = false
		p.mu.Unlock()
	}()
	return fn()
}

func (p *printer) handle(ev models.TranscriptEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := ev.Message
	switch ev.Type {
	case models.TranscriptAppended:
		if msg.Role == models.RoleUser {
			if p.replaying {
				cyan.Fprint(p.out, "you: ")
				io.WriteString(p.out, msg.Text+"\n")
			}
			return
		}
		green.Fprint(p.out, "bot: ")
		if msg.Frozen {
			io.WriteString(p.out, msg.Text+"\n")
			return
		}
		p.inFlight, p.printed = msg.ID, ""
		p.write(msg.Text)
	case models.TranscriptUpdated:
		if msg.ID == p.inFlight {
			p.write(msg.Text)
		}
	case models.TranscriptFrozen:
		if msg.ID != p.inFlight {
			return
		}
		if msg.Text == models.ErrorReplyText && p.printed != msg.Text {
			if p.printed != "" {
				io.WriteString(p.out, "\n")
			}
			red.Fprintln(p.out, msg.Text)
		} else {
			p.write(msg.Text)
			io.WriteString(p.out, "\n")
		}
		p.inFlight, p.printed = "", ""
	case models.TranscriptRemoved:
		if msg.ID == p.inFlight {
			io.WriteString(p.out, "\n")
			p.inFlight, p.printed = "", ""
		}
	case models.TranscriptCleared:
		p.inFlight, p.printed = "", ""
	}
}

func (p *printer) write(text string) {
	if strings.HasPrefix(text, p.printed) {
		io.WriteString(p.out, text[len(p.printed):])
	} else {
		io.WriteString(p.out, "\n"+text)
	}
	p.printed = text
}
