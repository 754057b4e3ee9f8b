package webapi

import (
	qrcode "github.com/skip2/go-qrcode"
)

// GenerateQRCodePNG renders content (an explorer link) as a PNG of
// size x size pixels.
func GenerateQRCodePNG(content string, size int) ([]byte, error) {
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, err
	}
	return q.PNG(size)
}
