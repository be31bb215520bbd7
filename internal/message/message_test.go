package message

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/mailmerge/internal/template"
)

func newTestBuilder(t *testing.T, opts Options) *Builder {
	t.Helper()
	if opts.FromEmail == "" {
		opts.FromEmail = "team@example.com"
	}
	b, err := NewBuilder(opts)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	b.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	return b
}

func TestNewBuilder(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		wantErr bool
	}{
		{"valid", "team@example.com", false},
		{"empty", "", true},
		{"invalid", "not-an-address", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(Options{FromEmail: tt.from})
			if (err != nil) != tt.wantErr {
				t.Errorf("NewBuilder() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildTextOnly(t *testing.T) {
	b := newTestBuilder(t, Options{FromName: "Team"})

	msg, err := b.Build("alice@example.org", template.Result{
		template.PartSubject: "Hello Alice",
		template.PartText:    "Dear Alice,\nwelcome.",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	data := string(msg.Data)
	for _, want := range []string{
		"From: \"Team\" <team@example.com>",
		"To: <alice@example.org>",
		"Subject: Hello Alice",
		"Message-Id: <" + msg.ID + "@example.com>",
		"Content-Type: text/plain; charset=utf-8",
	} {
		if !strings.Contains(data, want) {
			t.Errorf("message missing %q:\n%s", want, data)
		}
	}
	if msg.FromHeader != `"Team" <team@example.com>` {
		t.Errorf("FromHeader = %q", msg.FromHeader)
	}
	if strings.Contains(data, "multipart/alternative") {
		t.Error("text-only message should not be multipart")
	}

	subject, text, html, err := Parse(msg.Data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if text != "Dear Alice,\nwelcome." {
		t.Errorf("text = %q", text)
	}
	if html != "" {
		t.Errorf("html = %q, want empty", html)
	}
}

func TestBuildAlternative(t *testing.T) {
	b := newTestBuilder(t, Options{ReplyTo: "reply@example.com", Headers: map[string]string{"X-Campaign": "spring"}})

	msg, err := b.Build("Bob <bob@example.org>", template.Result{
		template.PartSubject: "Hi",
		template.PartText:    "Hi Bob",
		template.PartHTML:    "<p>Hi Bob</p>",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	data := string(msg.Data)
	for _, want := range []string{"multipart/alternative", "Reply-To: <reply@example.com>", "X-Campaign: spring"} {
		if !strings.Contains(data, want) {
			t.Errorf("message missing %q", want)
		}
	}
	if len(msg.To) != 1 || msg.To[0] != "bob@example.org" {
		t.Errorf("To = %v, want [bob@example.org]", msg.To)
	}

	_, text, html, err := Parse(msg.Data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if text != "Hi Bob" {
		t.Errorf("text = %q, want %q", text, "Hi Bob")
	}
	if html != "<p>Hi Bob</p>" {
		t.Errorf("html = %q, want %q", html, "<p>Hi Bob</p>")
	}
}

func TestBuildDerivedBodies(t *testing.T) {
	t.Run("html from markdown", func(t *testing.T) {
		b := newTestBuilder(t, Options{HTMLFromMarkdown: true})
		msg, err := b.Build("a@example.org", template.Result{template.PartText: "Hello **Alice**"})
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if !strings.Contains(msg.HTML, "<strong>Alice</strong>") {
			t.Errorf("HTML = %q, want markdown rendered", msg.HTML)
		}
		if msg.Text != "Hello **Alice**" {
			t.Errorf("Text = %q", msg.Text)
		}
	})

	t.Run("text from html", func(t *testing.T) {
		b := newTestBuilder(t, Options{TextFromHTML: true})
		msg, err := b.Build("a@example.org", template.Result{template.PartHTML: "<p>Hello <b>Alice</b> &amp; co</p><p>Bye</p>"})
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if msg.Text != "Hello Alice & co\nBye" {
			t.Errorf("Text = %q, want %q", msg.Text, "Hello Alice & co\nBye")
		}
	})

	t.Run("html only without derivation", func(t *testing.T) {
		b := newTestBuilder(t, Options{})
		msg, err := b.Build("a@example.org", template.Result{template.PartHTML: "<p>x</p>"})
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if msg.Text != "" {
			t.Errorf("Text = %q, want empty", msg.Text)
		}
		if !strings.Contains(string(msg.Data), "Content-Type: text/html") {
			t.Error("expected single text/html part")
		}
	})
}

func TestBuildErrors(t *testing.T) {
	b := newTestBuilder(t, Options{})

	if _, err := b.Build("a@example.org", template.Result{template.PartSubject: "only subject"}); !errors.Is(err, ErrNoBody) {
		t.Errorf("Build() error = %v, want ErrNoBody", err)
	}
	if _, err := b.Build("nobody", template.Result{template.PartText: "x"}); err == nil {
		t.Error("Build() with invalid recipient should fail")
	}
}

func TestBuildUniqueIDs(t *testing.T) {
	b := newTestBuilder(t, Options{})
	res := template.Result{template.PartText: "x"}

	m1, err := b.Build("a@example.org", res)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := b.Build("a@example.org", res)
	if err != nil {
		t.Fatal(err)
	}
	if m1.ID == m2.ID {
		t.Errorf("message IDs should differ, both %q", m1.ID)
	}
}
