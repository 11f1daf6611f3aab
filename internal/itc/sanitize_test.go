package itc_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/matgreaves/watt/internal/itc"
	"github.com/matryer/is"
)

type innerPayload struct {
	Label string `json:"label"`
	Hook  func() `json:"hook"`
}

type payload struct {
	Name    string            `json:"name"`
	Count   int               `json:"count"`
	Blob    []byte            `json:"blob"`
	Nested  innerPayload      `json:"nested"`
	Tags    []any             `json:"tags"`
	Extra   map[string]any    `json:"extra"`
	Labels  map[string]string `json:"labels,omitempty"`
	OnClose func()            `json:"onClose"`
	Events  chan string       `json:"events"`
	Secret  string            `json:"-"`
	private int
}

func TestSanitize(t *testing.T) {
	is := is.New(t)
	in := payload{
		Name:    "api",
		Count:   3,
		Blob:    []byte{0x00, 0xff, 0x10},
		Nested:  innerPayload{Label: "inner", Hook: func() {}},
		Tags:    []any{"a", func() {}, 2},
		Extra:   map[string]any{"keep": true, "drop": func() {}, "ch": make(chan int)},
		OnClose: func() {},
		Events:  make(chan string),
		Secret:  "hunter2",
		private: 7,
	}

	clean, err := itc.Sanitize(in)
	is.NoErr(err)
	out, ok := clean.(map[string]any)
	is.True(ok)

	is.Equal(out["name"], "api")
	is.Equal(out["count"], 3)
	is.Equal(out["blob"], []byte{0x00, 0xff, 0x10})
	is.Equal(out["nested"], map[string]any{"label": "inner"})
	is.Equal(out["tags"], []any{"a", nil, 2})
	is.Equal(out["extra"], map[string]any{"keep": true})

	for _, gone := range []string{"onClose", "events", "Secret", "private", "labels"} {
		if _, found := out[gone]; found {
			t.Errorf("field %q survived sanitizing", gone)
		}
	}
}

func TestSanitize_Passthrough(t *testing.T) {
	is := is.New(t)
	sanitized := func(v any) any {
		out, err := itc.Sanitize(v)
		is.NoErr(err)
		return out
	}
	is.Equal(sanitized(nil), nil)
	is.Equal(sanitized("plain"), "plain")
	is.Equal(sanitized(42), 42)
	is.Equal(sanitized(func() {}), nil)

	raw := json.RawMessage(`{"already":"encoded"}`)
	is.Equal(sanitized(raw), raw)

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	is.Equal(sanitized(now), now) // marshals itself

	is.Equal(sanitized(map[int]string{1: "one"}), map[string]any{"1": "one"})
	is.Equal(sanitized([2]byte{1, 2}), []byte{1, 2})
}

type baseFields struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type Meta struct {
	Owner string `json:"owner"`
}

type envelope struct {
	baseFields
	*Meta
	Kind  string `json:"kind"`
	Name  string `json:"name"`
	Inner Meta   `json:"inner"`
}

func TestSanitize_PromotesEmbeddedFields(t *testing.T) {
	is := is.New(t)
	in := envelope{
		baseFields: baseFields{ID: "x", Kind: "shadowed"},
		Meta:       &Meta{Owner: "ops"},
		Kind:       "outer",
		Name:       "n",
		Inner:      Meta{Owner: "nested"},
	}

	clean, err := itc.Sanitize(in)
	is.NoErr(err)
	got, err := json.Marshal(clean)
	is.NoErr(err)
	want, err := json.Marshal(in)
	is.NoErr(err)
	var gotShape, wantShape map[string]any
	is.NoErr(json.Unmarshal(got, &gotShape))
	is.NoErr(json.Unmarshal(want, &wantShape))
	is.Equal(gotShape, wantShape)

	var back envelope
	is.NoErr(json.Unmarshal(got, &back))
	is.Equal(back.ID, "x")
	is.Equal(back.Kind, "outer")
	is.Equal(back.Owner, "ops")

	// A nil embedded pointer contributes nothing.
	in.Meta = nil
	clean, err = itc.Sanitize(in)
	is.NoErr(err)
	_, found := clean.(map[string]any)["owner"]
	is.True(!found)
}

type node struct {
	Name string `json:"name"`
	Next *node  `json:"next"`
}

func TestSanitize_Cycle(t *testing.T) {
	is := is.New(t)

	loop := &node{Name: "a"}
	loop.Next = &node{Name: "b", Next: loop}
	_, err := itc.Sanitize(loop)
	is.True(errors.Is(err, itc.ErrCyclicValue))

	m := map[string]any{}
	m["self"] = m
	_, err = itc.Sanitize(m)
	is.True(errors.Is(err, itc.ErrCyclicValue))

	// Shared but acyclic references are fine.
	leaf := &node{Name: "leaf"}
	clean, err := itc.Sanitize([]*node{leaf, leaf})
	is.NoErr(err)
	is.Equal(len(clean.([]any)), 2)
}

func TestSanitize_RoundTrip(t *testing.T) {
	is := is.New(t)
	received := make(chan payload, 1)
	main, _ := connect(t, itc.Options{}, itc.Options{
		Handlers: map[string]itc.Handler{
			"store": func(_ context.Context, data json.RawMessage) (any, error) {
				var p payload
				if err := json.Unmarshal(data, &p); err != nil {
					return nil, err
				}
				received <- p
				return p, nil
			},
		},
	})

	sent := payload{
		Name:    "blob-carrier",
		Count:   9,
		Blob:    []byte("\x00binary\xffdata"),
		Nested:  innerPayload{Label: "deep", Hook: func() {}},
		Tags:    []any{"x", 1.5},
		Extra:   map[string]any{"k": "v", "fn": func() {}},
		OnClose: func() {},
	}
	echoed, err := itc.Call[payload](testContext(t), main, "store", sent)
	is.NoErr(err)

	got := <-received
	is.Equal(got.Name, sent.Name)
	is.Equal(got.Count, sent.Count)
	is.Equal(got.Blob, sent.Blob)
	is.Equal(got.Nested.Label, "deep")
	is.True(got.Nested.Hook == nil)
	is.True(got.OnClose == nil)
	is.Equal(got.Tags, []any{"x", 1.5})
	is.Equal(got.Extra, map[string]any{"k": "v"})

	// And back again.
	is.Equal(echoed.Blob, sent.Blob)
	is.Equal(echoed.Name, sent.Name)
}
