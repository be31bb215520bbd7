// Package message turns rendered templates into RFC 5322 messages.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/foxzi/mailmerge/internal/email"
	"github.com/foxzi/mailmerge/internal/template"
)

// ErrNoBody is returned when neither a text nor an HTML body is available
var ErrNoBody = errors.New("message has no text or html body")

// Message is a built message ready for delivery
type Message struct {
	ID          string
	From        string // Envelope sender
	FromHeader  string // Display form of From
	To          []string
	ReplyTo     string
	Subject     string
	Text        string
	HTML        string
	Headers     map[string]string
	Data        []byte
	Fingerprint string // Recipient record fingerprint
	Digest      string // Recipient record digest
}

// Options controls how messages are built
type Options struct {
	FromEmail        string
	FromName         string
	ReplyTo          string
	Headers          map[string]string
	TextFromHTML     bool
	HTMLFromMarkdown bool
}

// Builder builds messages from rendered results
type Builder struct {
	opts   Options
	from   *gomail.Address
	domain string
	strip  *bluemonday.Policy
	md     goldmark.Markdown
	now    func() time.Time
}

// NewBuilder creates a message builder
func NewBuilder(opts Options) (*Builder, error) {
	if opts.FromEmail == "" {
		return nil, fmt.Errorf("from address is required")
	}
	if _, err := mail.ParseAddress(opts.FromEmail); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}

	return &Builder{
		opts:   opts,
		from:   &gomail.Address{Name: opts.FromName, Address: opts.FromEmail},
		domain: email.ExtractDomainOrDefault(opts.FromEmail, "localhost"),
		strip:  bluemonday.StrictPolicy(),
		md:     goldmark.New(),
		now:    time.Now,
	}, nil
}

// Build creates a message for one recipient from a rendered result
func (b *Builder) Build(to string, res template.Result) (*Message, error) {
	rcpt, err := email.ParseRecipient(to)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}

	text, htmlBody, err := b.bodies(res)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:         uuid.New().String(),
		From:       b.opts.FromEmail,
		FromHeader: b.from.String(),
		To:         []string{rcpt.Address},
		ReplyTo:    b.opts.ReplyTo,
		Subject:    res.Subject(),
		Text:       text,
		HTML:       htmlBody,
		Headers:    b.opts.Headers,
	}

	var h gomail.Header
	h.SetDate(b.now())
	h.SetAddressList("From", []*gomail.Address{b.from})
	h.SetAddressList("To", []*gomail.Address{{Name: rcpt.Name, Address: rcpt.Address}})
	h.SetSubject(msg.Subject)
	h.SetMessageID(fmt.Sprintf("%s@%s", msg.ID, b.domain))
	if b.opts.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*gomail.Address{{Address: b.opts.ReplyTo}})
	}

	// Custom headers in a stable order
	keys := make([]string, 0, len(b.opts.Headers))
	for k := range b.opts.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, b.opts.Headers[k])
	}

	var buf bytes.Buffer
	if err := writeBody(&buf, h, text, htmlBody); err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}
	msg.Data = buf.Bytes()

	return msg, nil
}

// bodies returns the text and HTML bodies, deriving a missing one when enabled
func (b *Builder) bodies(res template.Result) (string, string, error) {
	text, hasText := res[template.PartText]
	htmlBody, hasHTML := res[template.PartHTML]

	if !hasHTML && hasText && b.opts.HTMLFromMarkdown {
		var out bytes.Buffer
		if err := b.md.Convert([]byte(text), &out); err != nil {
			return "", "", fmt.Errorf("failed to convert markdown: %w", err)
		}
		htmlBody, hasHTML = out.String(), true
	}

	if !hasText && hasHTML && b.opts.TextFromHTML {
		text, hasText = htmlToText(b.strip, htmlBody), true
	}

	if !hasText && !hasHTML {
		return "", "", ErrNoBody
	}
	return text, htmlBody, nil
}

// writeBody writes a single inline part, or multipart/alternative when both bodies exist
func writeBody(w io.Writer, h gomail.Header, text, htmlBody string) error {
	if text == "" || htmlBody == "" {
		contentType, body := "text/plain", text
		if htmlBody != "" {
			contentType, body = "text/html", htmlBody
		}
		h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")

		bw, err := gomail.CreateSingleInlineWriter(w, h)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(bw, body); err != nil {
			bw.Close()
			return err
		}
		return bw.Close()
	}

	mw, err := gomail.CreateInlineWriter(w, h)
	if err != nil {
		return err
	}
	for _, part := range []struct{ contentType, body string }{
		{"text/plain", text},
		{"text/html", htmlBody},
	} {
		var ph gomail.InlineHeader
		ph.SetContentType(part.contentType, map[string]string{"charset": "utf-8"})
		ph.Set("Content-Transfer-Encoding", "quoted-printable")

		pw, err := mw.CreatePart(ph)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(pw, part.body); err != nil {
			pw.Close()
			return err
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}
	return mw.Close()
}

// Parse reads back a built message and returns its subject and bodies with LF line endings
func Parse(data []byte) (subject, text, htmlBody string, err error) {
	mr, err := gomail.CreateReader(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", "", "", err
	}
	defer mr.Close()

	subject, _ = mr.Header.Subject()

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", "", "", err
		}
		h, ok := p.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return "", "", "", err
		}
		ct, _, _ := h.ContentType()
		switch ct {
		case "text/plain":
			text = normalizeNewlines(body)
		case "text/html":
			htmlBody = normalizeNewlines(body)
		}
	}

	return subject, text, htmlBody, nil
}

func normalizeNewlines(b []byte) string {
	return strings.ReplaceAll(string(b), "\r\n", "\n")
}

func htmlToText(p *bluemonday.Policy, s string) string {
	// Keep paragraph and line breaks as newlines before stripping tags
	r := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "</p>\n", "</div>", "</div>\n", "</li>", "</li>\n")
	text := html.UnescapeString(p.Sanitize(r.Replace(s)))

	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
