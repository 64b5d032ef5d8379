package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/grafana/sqlstream/pkg/routing"
)

// Client forwards queries to other hosts.
type Client struct {
	http   *http.Client
	scheme string
}

var _ routing.Client = (*Client)(nil)

// NewClient returns a client using httpClient, or http.DefaultClient if
// nil.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, scheme: "http"}
}

func (c *Client) ExecutePull(ctx context.Context, host string, req routing.PullRequest, rows routing.RowSink) (*routing.ConsistencyOffsetVector, error) {
	var cv *routing.ConsistencyOffsetVector
	err := c.stream(ctx, host, PullPath, req, rows, func(m message) error {
		v, err := routing.DeserializeConsistencyOffsetVector(m.ConsistencyToken)
		cv = v
		return err
	})
	return cv, err
}

func (c *Client) ExecutePush(ctx context.Context, host string, req routing.PushRequest, rows routing.RowSink) error {
	return c.stream(ctx, host, PushPath, req, rows, func(message) error { return nil })
}

// stream posts body to host and copies the rows of the response to rows
// until the final message, which is handed to done.
func (c *Client) stream(ctx context.Context, host, path string, body any, rows routing.RowSink, done func(message) error) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.scheme+"://"+host+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set(ForwardedHeader, "true")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned %s: %s", host, resp.Status, strings.TrimSpace(string(msg)))
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var m message
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return fmt.Errorf("reading response of %s: %w", host, err)
		}
		switch {
		case m.Row != nil:
			if !rows.Put(ctx, m.Row.row()) {
				if ctx.Err() != nil {
					return context.Cause(ctx)
				}
				// The sink is closed; the rest of the stream is not needed.
				return done(message{})
			}
		case m.Rejected != "":
			return fmt.Errorf("%w: %s", routing.ErrRejected, m.Rejected)
		case m.Error != "":
			return errors.New(m.Error)
		case m.Done:
			return done(m)
		}
	}
}
