package pipeline

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"
)

const (
	DefaultJPEGQuality = 90

	BlankWidth  = 640
	BlankHeight = 480

	dataURLMarker = "base64,"
)

// Decode parses a JPEG or PNG image.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

func Encode(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// DecodeDataURL extracts the payload of a base64 image. Both full data URLs
// ("data:image/jpeg;base64,...") and bare base64 are accepted.
func DecodeDataURL(s string) ([]byte, error) {
	if i := strings.Index(s, dataURLMarker); i >= 0 {
		s = s[i+len(dataURLMarker):]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty base64 payload", ErrDecode)
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		out, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}
	return out, nil
}

func EncodeDataURL(jpegBytes []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegBytes)
}

// Blank returns an encoded all-black frame.
func Blank(width, height, quality int) ([]byte, error) {
	return Encode(image.NewGray(image.Rect(0, 0, width, height)), quality)
}
