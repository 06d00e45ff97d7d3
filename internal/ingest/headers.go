package ingest

import (
	"bytes"
	"strings"

	"github.com/emersion/go-message/mail"
)

// meta is the header metadata extracted from a raw message for indexing.
// The raw bytes stay authoritative; this is convenience for search and
// listings only.
type meta struct {
	Subject    string
	Sender     string
	Recipients string
	DateHeader string
}

// parseMeta extracts header metadata from raw RFC 822 bytes. Broken or
// hostile headers never block archiving; whatever cannot be parsed is
// left empty.
func parseMeta(raw []byte) meta {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return meta{}
	}
	defer mr.Close()
	h := mr.Header

	var m meta
	m.Subject, _ = h.Subject()
	m.DateHeader = h.Get("Date")

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		m.Sender = from[0].String()
	}

	var rcpts []string
	for _, field := range []string{"To", "Cc"} {
		addrs, err := h.AddressList(field)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			rcpts = append(rcpts, addr.String())
		}
	}
	m.Recipients = strings.Join(rcpts, ", ")

	return m
}
