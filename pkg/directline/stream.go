package directline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marlabs/askbot/pkg/logger"
)

var ErrStreamClosed = errors.New("directline: stream closed")

const (
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second
	writeWait  = 10 * time.Second
)

// ActivityStream is a connected activity websocket of one conversation.
type ActivityStream struct {
	conv *Conversation
	conn *websocket.Conn
}

// OpenStream dials the conversation's stream. The service only delivers
// activities to a connected socket, so open it before posting.
func (c *Conversation) OpenStream(ctx context.Context) (*ActivityStream, error) {
	if c.StreamURL == "" {
		return nil, errors.New("directline: conversation has no stream url")
	}
	conn, _, err := c.client.dialer.DialContext(ctx, c.StreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	return &ActivityStream{conv: c, conn: conn}, nil
}

// Stream opens the activity stream and reads it until ctx is done.
func (c *Conversation) Stream(ctx context.Context, handle func(Activity)) error {
	st, err := c.OpenStream(ctx)
	if err != nil {
		return err
	}
	return st.Read(ctx, handle)
}

// Read calls handle for every activity, in order, from a single goroutine.
// It blocks until ctx is done (returning nil) or the stream fails (returning
// an error wrapping ErrStreamClosed). The connection is closed on return.
func (s *ActivityStream) Read(ctx context.Context, handle func(Activity)) error {
	conn := s.conn
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)

	// Heartbeat; also unblocks the reader on cancellation.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrStreamClosed, err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		// Keep-alive frames are empty.
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		var set ActivitySet
		if err := json.Unmarshal(data, &set); err != nil {
			logger.WarnCF("directline", "Skipping malformed stream frame", map[string]interface{}{
				"conversation": s.conv.ID,
				"error":        err.Error(),
			})
			continue
		}
		for _, a := range set.Activities {
			if ctx.Err() != nil {
				return nil
			}
			handle(a)
		}
	}
}
