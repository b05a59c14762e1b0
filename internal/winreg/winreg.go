// Package winreg exposes read-only access to a registry hive root behind a
// small interface so session discovery can run against a fake in tests and
// against HKEY_USERS on a live system.
package winreg

import (
	"encoding/binary"
	"errors"
	"unicode/utf16"
)

// ErrUnsupported is returned on platforms without a local registry.
var ErrUnsupported = errors.New("winreg: registry access requires windows")

// Reader lists child keys and reads string values under a fixed registry
// root. Paths use backslash separators relative to that root; the empty path
// addresses the root itself. A path that does not exist is not an error:
// ListChildren returns no names and ReadValue reports the value as absent.
type Reader interface {
	ListChildren(path string) ([]string, error)
	ReadValue(path, name string) (value string, ok bool, err error)
}

func decodeUTF16LE(buf []byte) string {
	if len(buf) < 2 {
		return ""
	}

	if len(buf)%2 != 0 {
		buf = buf[:len(buf)-1]
	}

	u16 := make([]uint16, 0, len(buf)/2)
	for i := 0; i < len(buf); i += 2 {
		u16 = append(u16, binary.LittleEndian.Uint16(buf[i:i+2]))
	}

	for len(u16) > 0 && u16[len(u16)-1] == 0 {
		u16 = u16[:len(u16)-1]
	}

	return string(utf16.Decode(u16))
}
