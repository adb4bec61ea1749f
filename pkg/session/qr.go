package session

import (
	"encoding/base64"
	"fmt"
	"time"

	"rsc.io/qr"
)

const pngDataURLPrefix = "data:image/png;base64,"

// PNGDataURL wraps raw PNG bytes in a data URL that browsers render directly.
func PNGDataURL(png []byte) string {
	return pngDataURLPrefix + base64.StdEncoding.EncodeToString(png)
}

// EncodeQR renders code as a QR PNG data URL.
func EncodeQR(code string) (string, error) {
	c, err := qr.Encode(code, qr.M)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return PNGDataURL(c.PNG()), nil
}

func newPayload(ch Challenge, issued time.Time) (QRPayload, error) {
	p := QRPayload{Code: ch.Code, IssuedAt: issued}
	switch {
	case len(ch.PNG) > 0:
		p.Image = PNGDataURL(ch.PNG)
	case ch.Code != "":
		img, err := EncodeQR(ch.Code)
		if err != nil {
			return QRPayload{}, err
		}
		p.Image = img
	default:
		return QRPayload{}, fmt.Errorf("pairer returned an empty challenge")
	}
	return p, nil
}
