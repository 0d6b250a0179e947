package email

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/bturcanu/plugwire/pkg/request"
	"github.com/bturcanu/plugwire/pkg/transport"
	"github.com/bturcanu/plugwire/pkg/types"
)

// SMTP delivers smtp:// requests built by Send. STARTTLS is used whenever the
// server offers it.
type SMTP struct {
	// TLSConfig overrides the STARTTLS configuration.
	TLSConfig *tls.Config
	// DialContext overrides how the server connection is opened.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Do sends exactly one message. A rejected command surfaces as an embedded
// ProviderError carrying the SMTP reply code.
func (s *SMTP) Do(ctx context.Context, req *request.Request) (*transport.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme != "smtp" || u.Host == "" {
		return nil, &types.ConfigurationError{Fields: []string{"host"}, Reason: "invalid SMTP address"}
	}
	host := u.Hostname()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = transport.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := s.DialContext
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", u.Host)
	if err != nil {
		return nil, transport.Classify(host, timeout, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return nil, smtpError(host, timeout, err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		cfg := s.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
		}
		if err := c.StartTLS(cfg); err != nil {
			return nil, smtpError(host, timeout, err)
		}
	}
	if user, pass, ok := request.ParseBasic(req.Header); ok {
		if ok, _ := c.Extension("AUTH"); !ok {
			return nil, &types.ConfigurationError{Fields: []string{"username"}, Reason: "server does not support authentication"}
		}
		// PLAIN auth refuses to send a password in clear to a remote host.
		if _, secure := c.TLSConnectionState(); !secure && !isLocalhost(host) {
			return nil, &types.ConfigurationError{Fields: []string{"host"}, Reason: "server does not offer STARTTLS, refusing to authenticate in clear"}
		}
		if err := c.Auth(smtp.PlainAuth("", user, pass, host)); err != nil {
			return nil, smtpError(host, timeout, err)
		}
	}

	rcpts := req.Header.Values(headerTo)
	if err := c.Mail(req.Header.Get(headerFrom)); err != nil {
		return nil, smtpError(host, timeout, err)
	}
	for _, r := range rcpts {
		if err := c.Rcpt(r); err != nil {
			return nil, smtpError(host, timeout, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return nil, smtpError(host, timeout, err)
	}
	if _, err := w.Write(req.Body); err != nil {
		return nil, smtpError(host, timeout, err)
	}
	if err := w.Close(); err != nil {
		return nil, smtpError(host, timeout, err)
	}
	_ = c.Quit()

	return receipt(req)
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// receipt is the synthetic response of a delivered message.
func receipt(req *request.Request) (*transport.Response, error) {
	body, err := json.Marshal(map[string]any{
		"message_id": req.Header.Get(headerID),
		"recipients": req.Header.Values(headerTo),
	})
	if err != nil {
		return nil, fmt.Errorf("email encode receipt: %w", err)
	}
	return &transport.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       body,
	}, nil
}

// smtpError maps protocol replies to ProviderError and everything else to
// transport faults.
func smtpError(host string, timeout time.Duration, err error) error {
	var te *textproto.Error
	if errors.As(err, &te) {
		return &types.ProviderError{Code: strconv.Itoa(te.Code), Message: te.Msg, StatusCode: te.Code, Embedded: true}
	}
	return transport.Classify(host, timeout, err)
}
