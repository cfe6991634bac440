package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/agentstream/internal/domain"
	"github.com/ashureev/agentstream/internal/tool"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr    string
		want    float64
		wantErr bool
	}{
		{expr: "2+2", want: 4},
		{expr: " 2 + 3 * 4 ", want: 14},
		{expr: "(2+3)*4", want: 20},
		{expr: "-3 + 5", want: 2},
		{expr: "--3", want: 3},
		{expr: "-(2*3)", want: -6},
		{expr: "7/2", want: 3.5},
		{expr: "10 - 4 - 3", want: 3},
		{expr: "8 / 4 / 2", want: 1},
		{expr: ".5 * 4", want: 2},
		{expr: "", wantErr: true},
		{expr: "2 +", wantErr: true},
		{expr: "(2+3", wantErr: true},
		{expr: "2 3", wantErr: true},
		{expr: "os.Exit(1)", wantErr: true},
		{expr: "2^3", wantErr: true},
		{expr: "1.2.3", wantErr: true},
		{expr: "1/0", wantErr: true},
		{expr: strings.Repeat("(", 100) + "1" + strings.Repeat(")", 100), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluateDivisionByZero(t *testing.T) {
	t.Parallel()

	_, err := Evaluate("4 / (2 - 2)")
	if !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestCalculateThroughRegistry(t *testing.T) {
	t.Parallel()

	r := tool.NewRegistry(time.Second, nil)
	if err := r.Register(NewCalculate()); err != nil {
		t.Fatalf("register: %v", err)
	}

	out := r.Execute(context.Background(), domain.ToolInvocation{
		ID:    "t1",
		Name:  "calculate",
		Input: json.RawMessage(`{"expression":"2+2"}`),
	})
	if out.Status != domain.ToolStatusSuccess {
		t.Fatalf("unexpected status %s: %s", out.Status, out.Payload)
	}
	if string(out.Payload) != `{"result":4}` {
		t.Fatalf("unexpected payload %s", out.Payload)
	}

	out = r.Execute(context.Background(), domain.ToolInvocation{
		ID:    "t2",
		Name:  "calculate",
		Input: json.RawMessage(`{"expression":"1/0"}`),
	})
	if out.Status != domain.ToolStatusError {
		t.Fatalf("expected error outcome, got %s", out.Payload)
	}
}

func TestCurrentTime(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewCurrentTime(func() time.Time { return fixed })

	got, err := c.Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	m := got.(map[string]any)
	if m["time"] != "2025-03-01T12:00:00Z" {
		t.Fatalf("unexpected time %v", m["time"])
	}

	got, err = c.Execute(context.Background(), map[string]any{"timezone": "Asia/Tokyo"})
	if err != nil {
		t.Fatalf("execute tokyo: %v", err)
	}
	if m := got.(map[string]any); m["time"] != "2025-03-01T21:00:00+09:00" {
		t.Fatalf("unexpected tokyo time %v", m["time"])
	}

	if _, err := c.Execute(context.Background(), map[string]any{"timezone": "Mars/Olympus"}); err == nil {
		t.Fatal("expected unknown timezone error")
	}
}

func TestFetchURLExtractsTextAndCaches(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><style>body{}</style><script>alert(1)</script></head>
<body><h1>Title</h1><p>Hello   <b>world</b></p></body></html>`)
	}))
	defer srv.Close()

	f := NewFetchURL(FetchConfig{})
	got, err := f.Execute(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	res := got.(FetchResult)
	if res.Text != "Title\nHello world" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Status != http.StatusOK || res.Cached {
		t.Fatalf("unexpected result %+v", res)
	}

	got, err = f.Execute(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("execute cached: %v", err)
	}
	if !got.(FetchResult).Cached {
		t.Fatal("expected cached result")
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 upstream hit, got %d", hits.Load())
	}
}

func TestFetchURLTruncates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("a", 100))
	}))
	defer srv.Close()

	f := NewFetchURL(FetchConfig{MaxBytes: 10})
	got, err := f.Execute(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	res := got.(FetchResult)
	if !res.Truncated || len(res.Text) != 10 {
		t.Fatalf("expected 10 truncated bytes, got %d (truncated=%v)", len(res.Text), res.Truncated)
	}
}

func TestFetchURLRejectsSchemes(t *testing.T) {
	t.Parallel()

	f := NewFetchURL(FetchConfig{})
	for _, u := range []string{"file:///etc/passwd", "ftp://example.com", "not a url", "http://"} {
		if _, err := f.Execute(context.Background(), map[string]any{"url": u}); err == nil {
			t.Fatalf("expected error for %q", u)
		}
	}
}

func TestRegisterAll(t *testing.T) {
	t.Parallel()

	r := tool.NewRegistry(0, nil)
	if err := RegisterAll(r, FetchConfig{}); err != nil {
		t.Fatalf("register all: %v", err)
	}
	var names []string
	for _, s := range r.Catalog() {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "calculate,fetch_url,current_time" {
		t.Fatalf("unexpected catalog %s", got)
	}
}
