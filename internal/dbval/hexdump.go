package dbval

import "strings"

const bytesPerLine = 32

const hexDigits = "0123456789abcdef"

// HexDump renders b as lines of 32 bytes: hex in groups of four, then the
// printable ASCII. Every line, including the first, starts with a newline.
func HexDump(b []byte) string {
	if b == nil {
		return "<null>"
	}
	var sb strings.Builder
	for len(b) > 0 {
		n := min(len(b), bytesPerLine)
		sb.WriteByte('\n')
		writeHex(&sb, b[:n])
		sb.WriteString(" |")
		writeASCII(&sb, b[:n])
		sb.WriteString(" |")
		b = b[n:]
	}
	sb.WriteByte('\n')
	return sb.String()
}

func writeHex(sb *strings.Builder, b []byte) {
	for i := 0; i < bytesPerLine; i++ {
		if i > 0 && i%4 == 0 {
			sb.WriteByte(' ')
		}
		if i < len(b) {
			sb.WriteByte(hexDigits[b[i]>>4])
			sb.WriteByte(hexDigits[b[i]&0xf])
		} else {
			sb.WriteString("  ")
		}
	}
}

func writeASCII(sb *strings.Builder, b []byte) {
	for _, c := range b {
		if c >= 0x20 && c < 0x7f {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('.')
		}
	}
	for i := len(b); i < bytesPerLine; i++ {
		sb.WriteByte(' ')
	}
}
