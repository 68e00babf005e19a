package display

import (
	"encoding/base64"
	"io"
)

const (
	escapeStart = "\x1b_G"
	escapeEnd   = "\x1b\\"
	chunkSize   = 4096
)

// writeKitty transmits PNG bytes with the kitty graphics protocol, split
// into payload chunks of at most chunkSize base64 characters.
func writeKitty(w io.Writer, png []byte) error {
	if len(png) == 0 {
		return nil
	}

	encoded := base64.StdEncoding.EncodeToString(png)
	for first := true; first || len(encoded) > 0; first = false {
		n := min(chunkSize, len(encoded))
		chunk := encoded[:n]
		encoded = encoded[n:]

		more := "0"
		if len(encoded) > 0 {
			more = "1"
		}

		params := "m=" + more
		if first {
			params = "a=T,f=100,q=2"
			if more == "1" {
				params += ",m=1"
			}
		}

		if _, err := io.WriteString(w, escapeStart+params+";"+chunk+escapeEnd); err != nil {
			return err
		}
	}
	return nil
}
