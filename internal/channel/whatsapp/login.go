package whatsapp

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
)

const qrPNGName = "qr.png"

// renderQR draws a pairing code as a terminal QR on w and saves a PNG
// copy next to the credentials for users whose terminal mangles the
// half-block rendering. The PNG failure is non-fatal; the terminal
// rendering is the primary path.
func renderQR(w io.Writer, credDir, code string) error {
	fmt.Fprintln(w, "\nScan this QR code in WhatsApp (Settings > Linked Devices):")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)

	pngPath := filepath.Join(credDir, qrPNGName)
	if err := qrcode.WriteFile(code, qrcode.Medium, 512, pngPath); err != nil {
		return fmt.Errorf("write %s: %w", qrPNGName, err)
	}
	fmt.Fprintf(w, "Also saved as %s\n", pngPath)
	return nil
}
