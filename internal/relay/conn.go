package relay

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

// Conn is the client side of a relay session. [*websocket.Conn] satisfies it;
// tests substitute an in-memory fake.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var _ Conn = (*websocket.Conn)(nil)

// maxCloseReason is the longest close reason a WebSocket close frame can carry.
const maxCloseReason = 123

// closeReason truncates s to fit in a close frame without splitting a UTF-8
// sequence.
func closeReason(s string) string {
	if len(s) <= maxCloseReason {
		return s
	}
	cut := maxCloseReason
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// OriginPatterns converts allowed origins (full URLs such as
// "http://localhost:5173") and host patterns (such as "*.lovable.app") into the
// host patterns understood by [websocket.AcceptOptions].
func OriginPatterns(origins, patterns []string) ([]string, error) {
	out := make([]string, 0, len(origins)+len(patterns))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			out = append(out, "*")
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("relay: invalid allowed origin %q", o)
		}
		out = append(out, u.Host)
	}
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
