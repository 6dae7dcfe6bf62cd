package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SMTPNotifier sends the run summary as an HTML email with the produced
// partition files attached.
type SMTPNotifier struct {
	Host     string
	Port     int
	From     string
	To       string
	Password string

	// send is swapped out in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPNotifier(host string, port int, from, to, password string) *SMTPNotifier {
	return &SMTPNotifier{
		Host:     host,
		Port:     port,
		From:     from,
		To:       to,
		Password: password,
		send:     smtp.SendMail,
	}
}

func (n *SMTPNotifier) Notify(ctx context.Context, s Summary) error {
	if n.Host == "" || n.From == "" || n.To == "" {
		return fmt.Errorf("smtp notifier: host/from/to are required")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	msg, err := n.buildMessage(s)
	if err != nil {
		return fmt.Errorf("smtp build message: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", n.Host, n.Port)
	auth := smtp.PlainAuth("", n.From, n.Password, n.Host)
	if err := n.send(addr, auth, n.From, []string{n.To}, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (n *SMTPNotifier) buildMessage(s Summary) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", n.From)
	fmt.Fprintf(&buf, "To: %s\r\n", n.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", n.subject(s))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n", w.Boundary())
	buf.WriteString("\r\n")

	body, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/html; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := body.Write([]byte(n.htmlBody(s))); err != nil {
		return nil, err
	}

	for _, k := range s.Kinds {
		for _, path := range k.Attachments {
			if err := attachFile(w, path); err != nil {
				return nil, err
			}
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *SMTPNotifier) subject(s Summary) string {
	return fmt.Sprintf("Property alert results: %d listings within commute range", s.TotalFiltered())
}

func (n *SMTPNotifier) htmlBody(s Summary) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h2>Property alert run %s</h2>", s.RunID)
	fmt.Fprintf(&b, "<p>%d listings passed the filters.</p>", s.TotalFiltered())
	for _, k := range s.Kinds {
		fmt.Fprintf(&b, "<h3>%s (%d)</h3><ul>", k.Kind, len(k.Filtered))
		for _, l := range k.Filtered {
			fmt.Fprintf(&b, `<li><a href="%s">%s</a>`, l.Link, htmlEscape(l.Title))
			if l.Price != "" {
				fmt.Fprintf(&b, " &mdash; %s", htmlEscape(l.Price))
			}
			if l.DistanceMinutes != nil {
				fmt.Fprintf(&b, " &mdash; %.0f min to work", *l.DistanceMinutes)
			}
			b.WriteString("</li>")
		}
		b.WriteString("</ul>")
	}
	b.WriteString("<p>The result files are attached.</p>")
	b.WriteString("</body></html>")
	return b.String()
}

func attachFile(w *multipart.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read attachment %s: %w", path, err)
	}

	name := filepath.Base(path)
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"application/octet-stream"},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", name)},
	})
	if err != nil {
		return err
	}

	enc := base64.StdEncoding.EncodeToString(data)
	// wrap base64 at 76 chars per RFC 2045
	for len(enc) > 0 {
		n := 76
		if len(enc) < n {
			n = len(enc)
		}
		if _, err := part.Write([]byte(enc[:n] + "\r\n")); err != nil {
			return err
		}
		enc = enc[n:]
	}
	return nil
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}
