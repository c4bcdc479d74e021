package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

const readLimit = 1 << 20

// Conn is one live realtime connection.
type Conn interface {
	// Read blocks until the next frame arrives or the connection fails.
	Read(ctx context.Context) ([]byte, error)
	// Close shuts the connection. An intentional close sends a normal
	// closure; otherwise the connection is torn down immediately.
	Close(intentional bool) error
}

// Dialer opens realtime connections authenticated with a bearer token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebSocketDialer dials the backend socket with coder/websocket.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// HTTPClient is used for the handshake. Nil uses the library default.
	HTTPClient *http.Client
}

// Dial implements Dialer. The token travels both as a bearer header and as
// a token query parameter.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: invalid url %q: %w", d.URL, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial %s: status %d: %w", u.Host, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial %s: %w", u.Host, err)
	}
	ws.SetReadLimit(readLimit)
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *wsConn) Close(intentional bool) error {
	if intentional {
		return c.ws.Close(websocket.StatusNormalClosure, "session ended")
	}
	return c.ws.CloseNow()
}
