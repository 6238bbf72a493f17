package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/gorilla/websocket"
)

// InjectStdin writes data to the container's stdin through an attach
// channel. Local engines are attached over the hijacked HTTP connection;
// remote engines go through the websocket attach endpoint, which survives
// intermediary proxies that break hijacking.
func (c *Client) InjectStdin(ctx context.Context, id string, data []byte) error {
	host := c.Host()
	if strings.HasPrefix(host, "unix://") || strings.Contains(host, "localhost") {
		return c.injectStdinHijack(ctx, id, data)
	}
	return c.injectStdinWebsocket(ctx, id, data)
}

func (c *Client) injectStdinHijack(ctx context.Context, id string, data []byte) error {
	resp, err := c.api.ContainerAttach(ctx, id, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to attach to container %s: %w", id, err)
	}
	defer resp.Close()

	if _, err := resp.Conn.Write(data); err != nil {
		return fmt.Errorf("failed to write to container %s stdin: %w", id, err)
	}
	return nil
}

func (c *Client) injectStdinWebsocket(ctx context.Context, id string, data []byte) error {
	wsURL, err := attachWebsocketURL(c.Host(), id)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial attach websocket for container %s: %w", id, err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write to container %s stdin: %w", id, err)
	}
	return conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func attachWebsocketURL(host, id string) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("failed to parse engine host %q: %w", host, err)
	}

	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/containers/%s/attach/ws?stdin=1&stream=1", scheme, u.Host, id), nil
}
