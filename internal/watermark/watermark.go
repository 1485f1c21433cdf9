// Package watermark remembers when this viewer last looked at the dashboard
// so articles that arrived since then can be flagged as new.
package watermark

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Key names the stored value, both as a cookie and in the CLI file.
const Key = "regulation_news_last_visit"

// Storage persists the raw watermark value on the viewer's device.
// Load returns "" when nothing has been stored yet.
type Storage interface {
	Load() (string, error)
	Save(value string) error
}

// Tracker reads and advances the watermark.
type Tracker struct {
	storage Storage
	now     func() time.Time
}

func NewTracker(storage Storage) *Tracker {
	return &Tracker{storage: storage, now: time.Now}
}

// Get returns the stored watermark, or nil when it is unset or unreadable.
func (t *Tracker) Get() *time.Time {
	raw, err := t.storage.Load()
	if err != nil {
		return nil
	}
	return Decode(raw)
}

// Touch sets the watermark to the current instant.
func (t *Tracker) Touch() error {
	return t.storage.Save(Encode(t.now()))
}

// IsNew reports whether createdAt is strictly after the watermark. Without a
// watermark nothing is new.
func IsNew(createdAt time.Time, watermark *time.Time) bool {
	if watermark == nil {
		return false
	}
	return createdAt.After(*watermark)
}

// CountNew counts the instants strictly after the watermark.
func CountNew(createdAts []time.Time, watermark *time.Time) int {
	n := 0
	for _, c := range createdAts {
		if IsNew(c, watermark) {
			n++
		}
	}
	return n
}

// Encode stores an instant as Unix milliseconds.
func Encode(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Decode parses a stored value. Anything other than a positive millisecond
// count yields nil.
func Decode(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// CookieStorage keeps the watermark in a long-lived browser cookie.
type CookieStorage struct {
	Request  *http.Request
	Response http.ResponseWriter
	MaxAge   time.Duration
}

func (c *CookieStorage) Load() (string, error) {
	cookie, err := c.Request.Cookie(Key)
	if err == http.ErrNoCookie {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

func (c *CookieStorage) Save(value string) error {
	maxAge := c.MaxAge
	if maxAge <= 0 {
		maxAge = 400 * 24 * time.Hour
	}
	http.SetCookie(c.Response, &http.Cookie{
		Name:     Key,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// FileStorage keeps the watermark in a small file, for the CLI.
type FileStorage struct {
	Path string
}

func (f *FileStorage) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *FileStorage) Save(value string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}
