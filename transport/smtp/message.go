package smtp

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/xraph/mailq/transport"
)

// buildMessage renders msg as an RFC 5322 message with CRLF line endings.
func buildMessage(msg *transport.Message, from string, req *transport.Request, host string, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	var h header
	h.Set("From", from)
	if len(msg.To) > 0 {
		h.Set("To", strings.Join(msg.To, ", "))
	}
	if len(msg.Cc) > 0 {
		h.Set("Cc", strings.Join(msg.Cc, ", "))
	}
	if msg.ReplyTo != "" {
		h.Set("Reply-To", msg.ReplyTo)
	}
	h.Set("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	h.Set("Date", now.Format(time.RFC1123Z))
	h.Set("Message-ID", fmt.Sprintf("<%s@%s>", req.JobID.String(), host))
	h.Set("MIME-Version", "1.0")
	h.Set(JobIDHeader, req.JobID.String())
	custom := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		custom = append(custom, k)
	}
	sort.Strings(custom)
	for _, k := range custom {
		h.Set(k, msg.Headers[k])
	}

	switch {
	case msg.Text != "" && msg.HTML != "":
		mw := multipart.NewWriter(&buf)
		h.Set("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
		writeHeader(&buf, h)
		if err := writePart(mw, "text/plain", msg.Text); err != nil {
			return nil, err
		}
		if err := writePart(mw, "text/html", msg.HTML); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
	case msg.HTML != "":
		h.Set("Content-Type", `text/html; charset="utf-8"`)
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		writeHeader(&buf, h)
		if err := writeQP(&buf, msg.HTML); err != nil {
			return nil, err
		}
	default:
		h.Set("Content-Type", `text/plain; charset="utf-8"`)
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		writeHeader(&buf, h)
		if err := writeQP(&buf, msg.Text); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// header keeps field order and spelling as written.
type header struct {
	keys   []string
	values map[string]string
}

func (h *header) Set(k, v string) {
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, ok := h.values[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.values[k] = strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

func writeHeader(buf *bytes.Buffer, h header) {
	for _, k := range h.keys {
		fmt.Fprintf(buf, "%s: %s\r\n", k, h.values[k])
	}
	buf.WriteString("\r\n")
}

func writePart(mw *multipart.Writer, contentType, body string) error {
	ph := make(textproto.MIMEHeader)
	ph.Set("Content-Type", contentType+`; charset="utf-8"`)
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := mw.CreatePart(ph)
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(pw)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

func writeQP(buf *bytes.Buffer, body string) error {
	qp := quotedprintable.NewWriter(buf)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

// envelopeAddr strips any display name for use in MAIL FROM / RCPT TO.
func envelopeAddr(s string) string {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return s
	}
	return a.Address
}
