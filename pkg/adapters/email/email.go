// Package email sends Markdown-authored mail over SMTP. The body is rendered
// to HTML and sent as multipart/alternative with the Markdown source as the
// plain-text part.
package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/bturcanu/plugwire/pkg/invoke"
	"github.com/bturcanu/plugwire/pkg/normalize"
	"github.com/bturcanu/plugwire/pkg/params"
	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

const (
	Provider    = "email"
	DefaultPort = "587"

	// Method is the pseudo-method of SMTP requests.
	Method = "SEND"

	headerFrom = "X-Envelope-From"
	headerTo   = "X-Envelope-To"
	headerID   = "X-Message-Id"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Send delivers one message. Via, when set, replaces the SMTP transport.
type Send struct {
	Via transport.Transport
}

func (*Send) Describe() invoke.Descriptor {
	return invoke.Descriptor{
		Name:        "email.send",
		Provider:    Provider,
		Description: "Send an email written in Markdown.",
		Params: params.Schema{Fields: []params.Field{
			{Name: "to", Kind: params.String, Required: true, Description: "Comma-separated recipients."},
			{Name: "subject", Kind: params.String, Required: true},
			{Name: "body", Kind: params.String, Required: true, Description: "Markdown body."},
			{Name: "cc", Kind: params.String},
			{Name: "bcc", Kind: params.String},
			{Name: "from", Kind: params.String},
			{Name: "reply_to", Kind: params.String},
		}},
		Credentials: []string{"host"},
		Timeout:     30 * time.Second,
	}
}

func (s *Send) Transport(types.CredentialBag) (transport.Transport, error) {
	if s.Via != nil {
		return s.Via, nil
	}
	return &SMTP{}, nil
}

func (*Send) Build(p params.Values, creds types.CredentialBag) (*request.Request, error) {
	fromRaw := firstNonEmpty(p.String("from"), creds.Get("from"), creds.Get("username"))
	if fromRaw == "" {
		return nil, &types.ConfigurationError{Fields: []string{"from"}, Reason: "no sender address"}
	}
	from, err := mail.ParseAddress(fromRaw)
	if err != nil {
		return nil, &types.ValidationError{Field: "from", Reason: "is not a valid address."}
	}

	m := Message{ID: newMessageID(from.Address), From: from, Subject: p.String("subject"), Markdown: p.String("body")}
	if m.To, err = addressList(p, "to"); err != nil {
		return nil, err
	}
	if m.Cc, err = addressList(p, "cc"); err != nil {
		return nil, err
	}
	bcc, err := addressList(p, "bcc")
	if err != nil {
		return nil, err
	}
	if rt := p.String("reply_to"); rt != "" {
		if m.ReplyTo, err = mail.ParseAddress(rt); err != nil {
			return nil, &types.ValidationError{Field: "reply_to", Reason: "is not a valid address."}
		}
	}

	raw, err := Compose(m, time.Now())
	if err != nil {
		return nil, err
	}

	port := creds.Get("port")
	if port == "" {
		port = DefaultPort
	}
	req := request.New(Method, "smtp://"+net.JoinHostPort(strings.TrimSpace(creds.Get("host")), port))
	req.Body = raw
	req.Header.Set("Content-Type", "message/rfc822")
	req.Header.Set(headerID, m.ID)
	req.Header.Set(headerFrom, from.Address)
	for _, a := range append(append(append([]*mail.Address{}, m.To...), m.Cc...), bcc...) {
		req.Header.Add(headerTo, a.Address)
	}
	if user := creds.Get("username"); user != "" {
		req.Authorize(request.Basic(user, creds.Get("password")))
	}
	return req, nil
}

func (*Send) Normalize(_ params.Values, resp *transport.Response) (*normalize.Output, error) {
	var res struct {
		MessageID  string   `json:"message_id"`
		Recipients []string `json:"recipients"`
	}
	if err := json.Unmarshal(resp.Body, &res); err != nil {
		return nil, fmt.Errorf("email decode response: %w", err)
	}
	return normalize.NewOutput().
		Summary("Sent email to %s.", strings.Join(res.Recipients, ", ")).
		Add(normalize.Object{"message_id": res.MessageID, "recipients": res.Recipients}).
		Variable("message_id", res.MessageID), nil
}

func addressList(p params.Values, field string) ([]*mail.Address, error) {
	raw := strings.TrimSpace(p.String(field))
	if raw == "" {
		return nil, nil
	}
	list, err := mail.ParseAddressList(raw)
	if err != nil {
		return nil, &types.ValidationError{Field: field, Reason: "is not a valid address list."}
	}
	return list, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// ─── Composition ────────────────────────────────────────────────────────────

// Message is an outgoing mail before rendering.
type Message struct {
	ID       string // Message-ID; generated when empty
	From     *mail.Address
	To       []*mail.Address
	Cc       []*mail.Address
	ReplyTo  *mail.Address
	Subject  string
	Markdown string
}

// RenderHTML converts Markdown to an HTML fragment. Raw HTML in the source is
// not passed through.
func RenderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("email render markdown: %w", err)
	}
	return buf.String(), nil
}

// Compose renders m as an RFC 5322 message with a multipart/alternative body.
func Compose(m Message, now time.Time) ([]byte, error) {
	html, err := RenderHTML(m.Markdown)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, part := range []struct{ ctype, content string }{
		{"text/plain; charset=utf-8", m.Markdown},
		{"text/html; charset=utf-8", html},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.ctype},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, fmt.Errorf("email part: %w", err)
		}
		if _, err := w.Write([]byte(part.content)); err != nil {
			return nil, fmt.Errorf("email part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("email close multipart: %w", err)
	}

	var out bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&out, "%s: %s\r\n", k, v) }
	header("From", m.From.String())
	header("To", joinAddresses(m.To))
	if len(m.Cc) > 0 {
		header("Cc", joinAddresses(m.Cc))
	}
	if m.ReplyTo != nil {
		header("Reply-To", m.ReplyTo.String())
	}
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", now.Format(time.RFC1123Z))
	id := m.ID
	if id == "" {
		id = newMessageID(m.From.Address)
	}
	header("Message-ID", id)
	header("MIME-Version", "1.0")
	header("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	out.WriteString("\r\n")
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func joinAddresses(list []*mail.Address) string {
	s := make([]string, len(list))
	for i, a := range list {
		s[i] = a.String()
	}
	return strings.Join(s, ", ")
}

func newMessageID(from string) string {
	domain := "localhost"
	if _, d, ok := strings.Cut(from, "@"); ok && d != "" {
		domain = d
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
