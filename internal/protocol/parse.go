package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/mailden/mailden/internal/model"
)

// ParseRaw decodes a raw RFC 5322 message into a ParsedMessage using
// go-message. Decoding is best-effort: an unparseable payload is
// returned as a plain-text body rather than an error, since the raw
// bytes are already durably stored.
func ParseRaw(raw []byte) *model.ParsedMessage {
	parsed := &model.ParsedMessage{}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		parsed.TextBody = string(raw)
		return parsed
	}
	defer mr.Close()

	if subject, err := mr.Header.Subject(); err == nil {
		parsed.Subject = subject
	}
	if date, err := mr.Header.Date(); err == nil {
		parsed.Date = date
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		if from[0].Name != "" {
			parsed.From = from[0].Name
		} else {
			parsed.From = from[0].Address
		}
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, addr := range to {
			parsed.To = append(parsed.To, addr.Address)
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				parsed.TextBody = string(body)
			case strings.HasPrefix(contentType, "text/html"):
				parsed.HTMLBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			parsed.Attachments = append(parsed.Attachments, model.Attachment{
				Filename: filename,
				Size:     int64(len(body)),
				MIMEType: contentType,
			})
		}
	}

	return parsed
}

// ClassifyDialError wraps a dial failure as a ConnectError with the
// most specific reason the error chain supports.
func ClassifyDialError(err error) *ConnectError {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return &ConnectError{Reason: ConnectTimeout, Err: err}
		}
		return &ConnectError{Reason: ConnectDNS, Err: err}
	}
	if os.IsTimeout(err) {
		return &ConnectError{Reason: ConnectTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ConnectError{Reason: ConnectTimeout, Err: err}
	}
	if strings.Contains(err.Error(), "tls") || strings.Contains(err.Error(), "certificate") {
		return &ConnectError{Reason: ConnectTLS, Err: err}
	}
	return &ConnectError{Reason: ConnectOther, Err: err}
}
