//go:build windows

package winreg

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

// usersReader reads the HKEY_USERS root, which holds one subtree per loaded
// user profile.
type usersReader struct {
	root registry.Key
}

// NewUsersReader returns a Reader over HKEY_USERS.
func NewUsersReader() (Reader, error) {
	return &usersReader{root: registry.USERS}, nil
}

func (r *usersReader) ListChildren(path string) ([]string, error) {
	key, err := registry.OpenKey(r.root, path, registry.ENUMERATE_SUB_KEYS|registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open key %q: %w", path, err)
	}
	defer key.Close()

	names, err := key.ReadSubKeyNames(-1)
	if err != nil {
		return nil, fmt.Errorf("read subkeys of %q: %w", path, err)
	}
	return names, nil
}

func (r *usersReader) ReadValue(path, name string) (string, bool, error) {
	key, err := registry.OpenKey(r.root, path, registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("open key %q: %w", path, err)
	}
	defer key.Close()

	size, valType, err := key.GetValue(name, nil)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("stat value %q: %w", name, err)
	}

	buf := make([]byte, size)
	if _, _, err := key.GetValue(name, buf); err != nil {
		return "", false, fmt.Errorf("read value %q: %w", name, err)
	}

	switch valType {
	case registry.SZ, registry.EXPAND_SZ:
		return decodeUTF16LE(buf), true, nil
	default:
		return "", false, fmt.Errorf("value %q has non-string type %d", name, valType)
	}
}
