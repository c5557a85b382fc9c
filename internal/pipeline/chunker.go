package pipeline

import (
	"strings"
	"unicode/utf8"
)

// chunker accumulates streamed model text and cuts it into pieces sized for
// incremental synthesis. A piece ends at a sentence boundary ('.', '!' or '?'
// followed by whitespace) or a newline; text that runs past maxChars without
// a boundary is cut at the last whitespace before the limit so a run-on
// answer cannot stall synthesis. Not safe for concurrent use.
type chunker struct {
	max int
	buf string
}

func newChunker(maxChars int) *chunker {
	if maxChars <= 0 {
		maxChars = defaultMaxChunkChars
	}
	return &chunker{max: maxChars}
}

// push appends streamed text and returns every complete piece now available,
// in order.
func (c *chunker) push(text string) []string {
	c.buf += text
	var out []string
	for {
		c.buf = strings.TrimLeft(c.buf, " \t\n\r")
		cut := c.boundary()
		if cut <= 0 {
			break
		}
		piece := strings.TrimRight(c.buf[:cut], " \t\n\r")
		c.buf = c.buf[cut:]
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}

// flush returns the trailing partial piece, or "" when nothing is buffered.
func (c *chunker) flush() string {
	rest := strings.TrimSpace(c.buf)
	c.buf = ""
	return rest
}

// boundary returns the exclusive end index of the first complete piece, or -1
// when more text is needed. A trailing '.' is not a boundary until the next
// byte shows it ends a sentence rather than an abbreviation or a decimal.
func (c *chunker) boundary() int {
	limit := len(c.buf)
	if limit > c.max {
		limit = c.max
	}
	for i := 0; i < limit; i++ {
		switch c.buf[i] {
		case '\n':
			return i
		case '.', '!', '?':
			if i+1 < len(c.buf) && isBoundarySpace(c.buf[i+1]) {
				return i + 1
			}
		}
	}
	if len(c.buf) <= c.max {
		return -1
	}
	if ws := strings.LastIndexAny(c.buf[:c.max], " \t"); ws > 0 {
		return ws
	}
	// One unbroken word longer than the limit: hard cut on a rune start.
	cut := c.max
	for cut > 0 && !utf8.RuneStart(c.buf[cut]) {
		cut--
	}
	return cut
}

func isBoundarySpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// chunkText splits a complete text the way the streaming chunker would.
func chunkText(text string, maxChars int) []string {
	ck := newChunker(maxChars)
	pieces := ck.push(text)
	if rest := ck.flush(); rest != "" {
		pieces = append(pieces, rest)
	}
	return pieces
}
