// Package homedir locates the user's home directory for default state
// file paths.
package homedir

import (
	"os"
	"os/user"

	"github.com/pkg/errors"
)

// Get returns the home directory, preferring the HOME environment
// variable over the passwd database.
func Get() (string, error) {
	if h := os.Getenv("HOME"); h != "" {
		return h, nil
	}

	usr, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "could not determine home directory")
	}
	return usr.HomeDir, nil
}
