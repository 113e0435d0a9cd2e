package qr

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// DataURLPrefix precedes every encoded image.
const DataURLPrefix = "data:image/png;base64,"

// ErrEmptyPayload is returned for blank payloads.
var ErrEmptyPayload = errors.New("qr: empty payload")

// Encoder renders a pairing payload as an image data URL.
type Encoder interface {
	Encode(payload string) (string, error)
}

// PNGEncoder renders QR codes as base64 PNG data URLs.
type PNGEncoder struct {
	Size  int
	Level qrcode.RecoveryLevel
}

// NewPNGEncoder 返回 256px、中等纠错级别的编码器。
func NewPNGEncoder() PNGEncoder {
	return PNGEncoder{Size: 256, Level: qrcode.Medium}
}

// Encode returns "data:image/png;base64,<png>".
func (e PNGEncoder) Encode(payload string) (string, error) {
	if payload == "" {
		return "", ErrEmptyPayload
	}
	size := e.Size
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(payload, e.Level, size)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return DataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}
