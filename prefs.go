package monetdriver

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// prefsFile is the per-user preferences file, a flat key=value list with the
// same keys as the URL parameters. It sits between the built-in defaults and
// the URL in the overlay order.
const prefsFile = ".monetdb"

// loadPreferences reads one preferences file into an overlay. A missing file
// is not an error; a file with unknown keys or unreadable syntax is.
func loadPreferences(path string) (Properties, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, configErrorf("", "preferences file %s: %v", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, configErrorf("", "preferences file %s: %v", path, err)
	}

	props := Properties{}
	for _, key := range v.AllKeys() {
		if err := props.Set(key, fmt.Sprint(v.Get(key))); err != nil {
			return nil, configErrorf(key, "preferences file %s: unknown parameter", path)
		}
	}
	return props, nil
}

// defaultPreferences looks for the preferences file in the user's home
// directory. No file, no overlay.
func defaultPreferences() (Properties, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, nil
	}
	return loadPreferences(filepath.Join(home, prefsFile))
}
