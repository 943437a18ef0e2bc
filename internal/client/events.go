package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pentaract/pentaract/internal/events"
)

const (
	watchReconnectMin = time.Second
	watchReconnectMax = 30 * time.Second
)

// Watch streams file events to handle until ctx ends, reconnecting with a
// doubling delay when the stream drops. onError, if set, is told about every
// lost connection and the delay before the next attempt.
func (c *Client) Watch(ctx context.Context, handle func(events.Event), onError func(err error, retryIn time.Duration)) error {
	delay := watchReconnectMin
	for {
		received, err := c.stream(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			delay = watchReconnectMin
		}
		if onError != nil {
			onError(err, delay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > watchReconnectMax {
			delay = watchReconnectMax
		}
	}
}

// stream reads one event stream connection. It reports whether the server
// accepted the connection.
func (c *Client) stream(ctx context.Context, handle func(events.Event)) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// The stream is long-lived; the configured request timeout would cut it.
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, readError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				var ev events.Event
				if err := json.Unmarshal([]byte(data), &ev); err == nil {
					handle(ev)
				}
			}
			data = ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("read: %w", err)
	}
	return true, fmt.Errorf("connection closed")
}
