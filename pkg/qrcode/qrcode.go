// Package qrcode renders strings into PNG QR codes, returned as data-URIs
// suitable for embedding directly in an <img> tag or a JSON payload.
package qrcode

import (
	"encoding/base64"
	"errors"
	"strings"

	skipqrcode "github.com/skip2/go-qrcode"
)

var ErrEmptyContent = errors.New("qr content cannot be empty")

const defaultSize = 256

// DataURI encodes content as a PNG QR code and returns it as a
// "data:image/png;base64," URI. A non-positive size falls back to 256px.
func DataURI(content string, size int) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	if size <= 0 {
		size = defaultSize
	}
	png, err := skipqrcode.Encode(content, skipqrcode.Medium, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
