// Command passhash derives an argon2id verifier for the users section of
// the config file.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/helixflow/helixgate/internal/pkg/passhash"
)

func main() {
	password, err := readPassword()
	if err != nil {
		fmt.Fprintf(os.Stderr, "passhash: %v\n", err)
		os.Exit(1)
	}
	if password == "" {
		fmt.Fprintln(os.Stderr, "passhash: empty password")
		os.Exit(1)
	}

	verifier, err := passhash.Hash(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "passhash: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(verifier)
}

// readPassword prompts with echo disabled on a terminal; piped stdin is
// read as a single line so the command still scripts.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
