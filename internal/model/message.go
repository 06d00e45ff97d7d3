package model

import "time"

// Message is one archived email. Its natural key is (Source, Folder, UID):
// Source is the account name at archive time, UID the provider-native
// message identifier (decimal IMAP UID, or the opaque message ID for
// gmail/o365). Messages outlive their account row.
type Message struct {
	ID         int64  `db:"id"`
	Source     string `db:"source"`
	Folder     string `db:"folder"`
	UID        string `db:"uid"`
	Subject    string `db:"subject"`
	Sender     string `db:"sender"`
	Recipients string `db:"recipients"`
	DateHeader string `db:"date_header"`

	// Raw holds the original RFC 822 bytes. The store compresses on
	// insert and decompresses on read; callers always see the exact
	// bytes that were fetched.
	Raw  []byte `db:"-"`
	Size int64  `db:"size_bytes"`

	VirusScanned  bool       `db:"virus_scanned"`
	VirusDetected bool       `db:"virus_detected"`
	VirusName     *string    `db:"virus_name"`
	ScannedAt     *time.Time `db:"scanned_at"`

	CreatedAt time.Time `db:"created_at"`
}

// DeletionType records why a message was removed from the archive.
type DeletionType string

const (
	DeletionManual    DeletionType = "manual"
	DeletionRetention DeletionType = "retention"
)

// DeletionStat is a daily aggregate counter of removed messages,
// keyed by date, deletion type and whether the origin server copy was
// deleted too. It is incremented, never edited.
type DeletionStat struct {
	Date           time.Time    `db:"stat_date"`
	Type           DeletionType `db:"deletion_type"`
	FromMailServer bool         `db:"deleted_from_mail_server"`
	Count          int64        `db:"message_count"`
}
