package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// LogOptions selects what StreamLogs receives.
type LogOptions struct {
	// Level is the minimum level, e.g. "info". Empty means every line.
	Level string

	// Pretty asks the runtime for human-readable lines instead of JSON.
	Pretty bool
}

// StreamLogs follows the runtime's live log, calling fn with each line
// (without its trailing newline). It returns nil when ctx is cancelled or
// the runtime ends the stream, and fn's error if fn fails.
func (c *Client) StreamLogs(ctx context.Context, pid int, opts LogOptions, fn func(line []byte) error) error {
	q := url.Values{}
	if opts.Level != "" {
		q.Set("level", opts.Level)
	}
	if opts.Pretty {
		q.Set("pretty", "true")
	}
	path := "/api/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.stream(ctx, pid, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}
	return streamEnd(ctx, scanner.Err())
}

// EventOptions selects what StreamEvents receives.
type EventOptions struct {
	// Service restricts the stream to one service.
	Service string

	// Since skips events with a sequence number at or below it.
	Since uint64
}

// StreamEvents replays the runtime's lifecycle events and then follows new
// ones, calling fn for each. It returns like StreamLogs.
func (c *Client) StreamEvents(ctx context.Context, pid int, opts EventOptions, fn func(Event) error) error {
	q := url.Values{}
	if opts.Service != "" {
		q.Set("service", opts.Service)
	}
	if opts.Since > 0 {
		q.Set("since", strconv.FormatUint(opts.Since, 10))
	}
	path := "/api/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.stream(ctx, pid, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")

		case line == "":
			if data == "" {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data = ""
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
	return streamEnd(ctx, scanner.Err())
}

// streamEnd reports a read failure unless it was caused by ctx ending.
func streamEnd(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("stream read: %w", err)
}
