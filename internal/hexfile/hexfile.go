// Package hexfile parses the firmware file formats the burn tool
// accepts: standard Intel-HEX and the TaoLink private base16 format
// (bare hex lines, no record framing).
package hexfile

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bigbag/turmass-flasher/internal/firmware"
)

// Load reads a firmware file, auto-detecting the format: lines starting
// with ':' mean Intel-HEX, anything else is treated as TaoLink base16.
func Load(path string) (*firmware.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open firmware file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	first, err := br.Peek(1)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware file: %w", err)
	}

	var records []firmware.Record
	if first[0] == ':' {
		records, err = ParseIntelHex(br)
	} else {
		records, err = ParseBase16(br)
	}
	if err != nil {
		return nil, err
	}
	return firmware.New(records)
}

// ParseIntelHex parses Intel-HEX records (types 00, 01, 04). Addresses
// in the file are bus addresses once the extended linear address is
// applied.
func ParseIntelHex(r io.Reader) ([]firmware.Record, error) {
	var records []firmware.Record
	var upper uint32

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if !strings.HasPrefix(text, ":") {
			return nil, fmt.Errorf("line %d: missing ':' record mark", line)
		}

		raw, err := hex.DecodeString(text[1:])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(raw) < 5 {
			return nil, fmt.Errorf("line %d: record too short", line)
		}

		count := int(raw[0])
		if len(raw) != 5+count {
			return nil, fmt.Errorf("line %d: length %d does not match count %d", line, len(raw), count)
		}

		var sum byte
		for _, b := range raw {
			sum += b
		}
		if sum != 0 {
			return nil, fmt.Errorf("line %d: record checksum mismatch", line)
		}

		addr := uint32(raw[1])<<8 | uint32(raw[2])
		data := raw[4 : 4+count]

		switch raw[3] {
		case 0x00: // data
			records = append(records, firmware.Record{
				Address: upper | addr,
				Data:    append([]byte(nil), data...),
			})
		case 0x01: // end of file
			return records, scanner.Err()
		case 0x04: // extended linear address
			if count != 2 {
				return nil, fmt.Errorf("line %d: bad extended address record", line)
			}
			upper = uint32(data[0])<<24 | uint32(data[1])<<16
		default:
			return nil, fmt.Errorf("line %d: unsupported record type 0x%02X", line, raw[3])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ParseBase16 parses the TaoLink private format: consecutive lines of
// bare hex digits, one contiguous image based at the flash bus offset.
func ParseBase16(r io.Reader) ([]firmware.Record, error) {
	var data []byte

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		raw, err := hex.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		data = append(data, raw...)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no data in base16 file")
	}

	return []firmware.Record{{Address: firmware.BusOffset, Data: data}}, nil
}

// ConvertBase16 rewrites a base16 hex file as raw binary.
func ConvertBase16(in io.Reader, out io.Writer) error {
	records, err := ParseBase16(in)
	if err != nil {
		return err
	}
	for _, r := range records {
		if _, err := out.Write(r.Data); err != nil {
			return err
		}
	}
	return nil
}

// ConvertCArray extracts 0x-prefixed word literals from a C array dump
// and writes them as little-endian binary.
func ConvertCArray(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := scanner.Text()
		idx := strings.Index(text, "0x")
		if idx < 0 {
			continue
		}
		word := strings.TrimSuffix(strings.TrimSpace(text[idx+2:]), ",")
		raw, err := hex.DecodeString(word)
		if err != nil {
			return fmt.Errorf("bad word literal %q: %w", word, err)
		}
		// Literals are big-endian on the page, little-endian in flash.
		for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
			raw[i], raw[j] = raw[j], raw[i]
		}
		if _, err := out.Write(raw); err != nil {
			return err
		}
	}
	return scanner.Err()
}
