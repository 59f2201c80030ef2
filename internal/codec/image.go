package codec

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	qrcode "github.com/skip2/go-qrcode"

	_ "image/gif"
	_ "image/jpeg"
)

const pairingImageSize = 512

// Default returns the built-in codec: pairing tokens render as QR codes,
// attachment payloads must already be image data and are normalized to PNG.
func Default() Codec {
	return Funcs{
		Pairing:    encodePairingQR,
		Attachment: normalizeAttachment,
	}
}

func encodePairingQR(_ context.Context, token string) ([]byte, error) {
	img, err := qrcode.Encode(token, qrcode.Medium, pairingImageSize)
	if err != nil {
		return nil, fmt.Errorf("render pairing code: %w", err)
	}
	return img, nil
}

func normalizeAttachment(_ context.Context, payload []byte) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decode attachment payload: %w", err)
	}
	if format == "png" {
		return payload, nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("re-encode attachment: %w", err)
	}
	return buf.Bytes(), nil
}
