// Package receipt renders the end-of-session receipt: a JSON document the
// user scans from a QR code to claim credit for the items they deposited.
package receipt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/banshee-data/rvm.kiosk/internal/material"
	"github.com/banshee-data/rvm.kiosk/internal/monitoring"
	"github.com/banshee-data/rvm.kiosk/internal/session"
	"github.com/banshee-data/rvm.kiosk/internal/timeutil"
)

const (
	DefaultDir    = "qr_codes"
	DefaultSize   = 300
	DefaultExpiry = 15 * time.Minute
)

// Payload is a rendered receipt.
type Payload struct {
	ID        string    `json:"qr_id"`
	Plastic   int       `json:"plastic"`
	Can       int       `json:"can"`
	Text      string    `json:"text"`
	ImagePath string    `json:"image_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Item is one line of the encoded receipt.
type Item struct {
	Class material.Kind `json:"class"`
	Count int           `json:"count"`
}

type document struct {
	QRID  string `json:"qr_id"`
	Items []Item `json:"items"`
}

// Encode renders the text stored in the QR code: a one-element JSON array
// holding the receipt id and one item per recyclable with a non-zero count.
func Encode(id string, counts session.Counts) (string, error) {
	doc := document{QRID: id, Items: make([]Item, 0, len(material.Recognized))}
	for _, k := range material.Recognized {
		if n := counts.Of(k); n > 0 {
			doc.Items = append(doc.Items, Item{Class: k, Count: n})
		}
	}
	b, err := json.MarshalIndent([]document{doc}, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a receipt text produced by Encode.
func Decode(text string) (id string, items []Item, err error) {
	var docs []document
	if err := json.Unmarshal([]byte(text), &docs); err != nil {
		return "", nil, fmt.Errorf("decode receipt: %w", err)
	}
	if len(docs) != 1 {
		return "", nil, fmt.Errorf("decode receipt: expected 1 document, got %d", len(docs))
	}
	return docs[0].QRID, docs[0].Items, nil
}

// Service writes receipt QR codes into Dir.
type Service struct {
	Dir    string
	Size   int
	Expiry time.Duration

	clock timeutil.Clock
	newID func() string
}

// NewService returns a Service writing PNGs of size pixels into dir.
func NewService(dir string, size int, clock timeutil.Clock) *Service {
	if dir == "" {
		dir = DefaultDir
	}
	if size <= 0 {
		size = DefaultSize
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Service{Dir: dir, Size: size, Expiry: DefaultExpiry, clock: clock, newID: uuid.NewString}
}

// Render builds the receipt for counts and writes its QR image.
func (s *Service) Render(counts session.Counts) (Payload, error) {
	id := s.newID()
	text, err := Encode(id, counts)
	if err != nil {
		return Payload{}, err
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return Payload{}, fmt.Errorf("create receipt dir: %w", err)
	}

	now := s.clock.Now()
	path := filepath.Join(s.Dir, fmt.Sprintf("recycling_qr_%d_%s.png", now.Unix(), shortID(id)))
	if err := qrcode.WriteFile(text, qrcode.Low, s.Size, path); err != nil {
		return Payload{}, fmt.Errorf("write QR code: %w", err)
	}
	monitoring.Infof("receipt", "QR code saved to %s", path)

	return Payload{
		ID:        id,
		Plastic:   counts.Plastic,
		Can:       counts.Can,
		Text:      text,
		ImagePath: path,
		CreatedAt: now,
		ExpiresAt: now.Add(s.Expiry),
	}, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
