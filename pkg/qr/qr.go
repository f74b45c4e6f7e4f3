// Package qr renders WhatsApp pairing codes for browsers and terminals.
package qr

import (
	"fmt"
	"io"
	"strings"

	"github.com/mdp/qrterminal/v3"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"
	"rsc.io/qr"
)

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 256

// DataURL encodes code as a PNG and returns it as a data: URL suitable for
// an <img src>.
func DataURL(code string) (string, error) {
	return DataURLSize(code, DefaultSize)
}

func DataURLSize(code string, size int) (string, error) {
	if code == "" {
		return "", fmt.Errorf("empty QR data")
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR: %w", err)
	}
	return dataurl.New(png, "image/png").String(), nil
}

// SVG produces a self-contained SVG string for the given QR data.
// The SVG uses a white background with black modules, suitable for embedding
// directly in an HTML <img> tag or innerHTML.
func SVG(data string, size int) (string, error) {
	code, err := qr.Encode(data, qr.L)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR: %w", err)
	}

	n := code.Size
	if n == 0 {
		return "", fmt.Errorf("empty QR code")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" width="%d" height="%d">`,
		n, n, size, size,
	))
	sb.WriteString(fmt.Sprintf(`<rect width="%d" height="%d" fill="#fff"/>`, n, n))

	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			if code.Black(x, y) {
				sb.WriteString(fmt.Sprintf(`<rect x="%d" y="%d" width="1" height="1" fill="#000"/>`, x, y))
			}
		}
	}

	sb.WriteString(`</svg>`)
	return sb.String(), nil
}

// PrintTerminal writes a scannable half-block QR code to w.
func PrintTerminal(w io.Writer, tenant, code string) {
	fmt.Fprintf(w, "\n--- [%s] Scan this QR code with WhatsApp (Linked Devices) ---\n", tenant)
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
	fmt.Fprintln(w, "--- Waiting for scan... ---")
}
