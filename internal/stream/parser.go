// Package stream decodes the coding-assistant CLI's stream-json protocol:
// newline-delimited JSON arriving incrementally on the subprocess stdout.
// The parser buffers raw bytes across chunk boundaries until a full line
// is available, decodes each line tolerantly, and surfaces the protocol
// events the supervisor cares about. Unrecognized event kinds are skipped
// so newer CLI versions never crash the parser.
package stream

import (
	"bytes"
	"sync"

	"orchard/internal/jsonutil"
)

// BlockSeparator is emitted before any content block after the first in
// the same turn.
const BlockSeparator = "\n\n---\n\n"

// Events holds the parser's callbacks. Nil callbacks are skipped.
type Events struct {
	// Init delivers the resumable session token from system/init.
	Init func(sessionID string)

	// Token delivers one incremental output chunk: assistant text, a
	// rendered tool status line, or the block separator.
	Token func(token string)

	// Result delivers the turn's final full response text.
	Result func(text string)
}

// Parser is an io.Writer suitable for exec.Cmd.Stdout. It is safe for
// concurrent use, though a single subprocess writes sequentially.
type Parser struct {
	events Events

	mu     sync.Mutex
	buf    []byte
	blocks int // content blocks seen this turn
}

// NewParser creates a parser delivering to the given callbacks.
func NewParser(events Events) *Parser {
	return &Parser{events: events}
}

// Write implements io.Writer. Partial lines are kept in the buffer until
// the terminating newline arrives in a later chunk.
func (p *Parser) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, b...)
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		p.handleLine(line)
	}
	return len(b), nil
}

// Flush processes any trailing unterminated line. Call once at EOF.
func (p *Parser) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) > 0 {
		p.handleLine(p.buf)
		p.buf = nil
	}
}

// handleLine decodes and dispatches one protocol line. Must be called with
// the lock held. Undecodable lines are dropped: the CLI interleaves
// non-protocol noise on some versions.
func (p *Parser) handleLine(line []byte) {
	var event map[string]interface{}
	if !jsonutil.UnmarshalLineSafe(line, &event) {
		return
	}

	switch jsonutil.GetString(event, "type") {
	case "system":
		if jsonutil.GetString(event, "subtype") != "init" {
			return
		}
		p.blocks = 0
		if id := jsonutil.GetString(event, "session_id"); id != "" && p.events.Init != nil {
			p.events.Init(id)
		}
	case "assistant":
		p.handleAssistant(event)
	case "result":
		p.blocks = 0
		if p.events.Result != nil {
			p.events.Result(jsonutil.GetString(event, "result"))
		}
	}
	// Anything else: ignore (forward compatibility).
}

// handleAssistant walks the message's ordered content blocks, emitting
// text blocks verbatim and tool_use blocks as rendered status lines, with
// a separator before every block after the turn's first.
func (p *Parser) handleAssistant(event map[string]interface{}) {
	message := jsonutil.GetMap(event, "message")
	if message == nil {
		return
	}
	content, ok := message["content"].([]interface{})
	if !ok {
		return
	}

	for _, raw := range content {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		var token string
		switch jsonutil.GetString(block, "type") {
		case "text":
			token = jsonutil.GetString(block, "text")
		case "tool_use":
			token = RenderToolUse(jsonutil.GetString(block, "name"), jsonutil.GetMap(block, "input"))
		default:
			continue
		}
		if token == "" {
			continue
		}

		if p.blocks > 0 {
			p.emit(BlockSeparator)
		}
		p.emit(token)
		p.blocks++
	}
}

func (p *Parser) emit(token string) {
	if p.events.Token != nil {
		p.events.Token(token)
	}
}
