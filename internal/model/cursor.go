package model

// Cursor is the per-(account, folder) fetch position. The two
// representations are deliberately separate fields: IMAP code reads and
// advances only LastUID, delta-sync code only SyncToken. A zero Cursor
// means "fetch everything".
type Cursor struct {
	AccountID int64  `db:"account_id"`
	Folder    string `db:"folder"`
	LastUID   int64  `db:"last_uid"`
	SyncToken string `db:"last_sync_token"`
}
