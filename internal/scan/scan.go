// Package scan gates archived messages through clamd. The gate fails
// open: when the daemon is unreachable the message is archived
// unscanned and marked so, because losing mail is worse than storing
// an unscanned copy.
package scan

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/dutchcoders/go-clamd"
)

// Verdict is the outcome of scanning one message.
type Verdict string

const (
	// VerdictClean means clamd scanned the bytes and found nothing.
	VerdictClean Verdict = "clean"
	// VerdictInfected means clamd matched a signature.
	VerdictInfected Verdict = "infected"
	// VerdictUnavailable means the daemon could not be reached; the
	// message was not scanned.
	VerdictUnavailable Verdict = "unavailable"
	// VerdictSkipped means scanning is disabled in settings.
	VerdictSkipped Verdict = "skipped"
)

// Result carries the verdict plus the signature name when infected.
type Result struct {
	Verdict   Verdict
	VirusName string
}

// Scanner is the capability the ingest pipeline depends on. The clamd
// implementation is the only production one; tests substitute fakes.
type Scanner interface {
	Scan(ctx context.Context, raw []byte) Result
}

// ClamdScanner scans through a clamd instance over TCP.
type ClamdScanner struct {
	clam *clamd.Clamd
}

var _ Scanner = (*ClamdScanner)(nil)

// NewClamdScanner connects to clamd at host:port. The connection is
// per-command; construction never dials.
func NewClamdScanner(host string, port int) *ClamdScanner {
	return &ClamdScanner{
		clam: clamd.NewClamd("tcp://" + host + ":" + strconv.Itoa(port)),
	}
}

// Scan streams the message to clamd and maps the response. Any failure
// to reach or drive the daemon yields VerdictUnavailable, never an
// error; the caller decides what an unscanned message means.
func (s *ClamdScanner) Scan(ctx context.Context, raw []byte) Result {
	if err := s.clam.Ping(); err != nil {
		return Result{Verdict: VerdictUnavailable}
	}

	abort := make(chan bool)
	defer close(abort)

	responses, err := s.clam.ScanStream(bytes.NewReader(raw), abort)
	if err != nil {
		return Result{Verdict: VerdictUnavailable}
	}

	for {
		select {
		case <-ctx.Done():
			return Result{Verdict: VerdictUnavailable}
		case resp, ok := <-responses:
			if !ok {
				return Result{Verdict: VerdictClean}
			}
			switch resp.Status {
			case clamd.RES_FOUND:
				return Result{Verdict: VerdictInfected, VirusName: resp.Description}
			case clamd.RES_ERROR, clamd.RES_PARSE_ERROR:
				return Result{Verdict: VerdictUnavailable}
			}
		}
	}
}

// Describe renders a result for logs.
func (r Result) Describe() string {
	if r.Verdict == VerdictInfected {
		return fmt.Sprintf("infected (%s)", r.VirusName)
	}
	return string(r.Verdict)
}
