package store

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MethodGET marks an ordinary fetch.
	MethodGET = "GET"
	// MethodWriteRecord marks records written by the crawler itself, such
	// as screenshots and thumbnails, rather than fetched from the web.
	MethodWriteRecord = "WARCPROX_WRITE_RECORD"

	// IndexAbbrCanonSurtTimestamp orders captures by abbreviated sort key,
	// then capture time.
	IndexAbbrCanonSurtTimestamp = "abbr_canon_surt_timestamp"

	// AbbrKeyLen is the number of characters of canon_surt kept in the
	// abbreviated index key.
	AbbrKeyLen = 150
)

// Column names shared by every engine.
const (
	FieldID            = "id"
	FieldCanonSurt     = "canon_surt"
	FieldAbbrCanonSurt = "abbr_canon_surt"
	FieldTimestamp     = "timestamp"
	FieldURL           = "url"
	FieldContentType   = "content_type"
	FieldResponseCode  = "response_code"
	FieldSHA1Base32    = "sha1base32"
	FieldLength        = "length"
	FieldOffset        = "offset"
	FieldFilename      = "filename"
	FieldHTTPMethod    = "http_method"
)

// indexes maps an index name to its (key, time) columns.
var indexes = map[string][2]string{
	IndexAbbrCanonSurtTimestamp: {FieldAbbrCanonSurt, FieldTimestamp},
}

// Record is one captured resource fetch.
type Record struct {
	ID           uuid.UUID `json:"id"`
	CanonSurt    string    `json:"canon_surt"`
	Timestamp    time.Time `json:"timestamp"`
	URL          string    `json:"url"`
	ContentType  string    `json:"content_type"`
	ResponseCode int       `json:"response_code"`
	SHA1Base32   string    `json:"sha1base32"`
	Length       int64     `json:"length"`
	Offset       int64     `json:"offset"`
	Filename     string    `json:"filename"`
	HTTPMethod   string    `json:"http_method"`
}

// AbbrCanonSurt is the abbreviated index key of the record.
func (r *Record) AbbrCanonSurt() string {
	return Abbreviate(r.CanonSurt)
}

// Field returns the value of a string column.
func (r *Record) Field(name string) (string, bool) {
	switch name {
	case FieldCanonSurt:
		return r.CanonSurt, true
	case FieldAbbrCanonSurt:
		return r.AbbrCanonSurt(), true
	case FieldURL:
		return r.URL, true
	case FieldContentType:
		return r.ContentType, true
	case FieldSHA1Base32:
		return r.SHA1Base32, true
	case FieldFilename:
		return r.Filename, true
	case FieldHTTPMethod:
		return r.HTTPMethod, true
	}
	return "", false
}

func isStringField(name string) bool {
	_, ok := (&Record{}).Field(name)
	return ok
}

// Abbreviate truncates key to its first AbbrKeyLen characters. It is the
// only function that may derive abbr_canon_surt, both when writing records
// and when computing scan bounds.
func Abbreviate(key string) string {
	if len(key) <= AbbrKeyLen {
		return key
	}
	n := 0
	for i := range key {
		if n == AbbrKeyLen {
			return key[:i]
		}
		n++
	}
	return key
}

// timestamps are stored at second resolution
func unixSeconds(t time.Time) int64 {
	return t.Unix()
}

func fromUnixSeconds(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func validKey(key string) bool {
	if !utf8.ValidString(key) {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return false
		}
	}
	return true
}

func assignID(r *Record) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
}
