// Package utils holds small helpers shared across the proxy.
package utils

import (
	"math/rand"
	"strings"
)

const letters = "0123456789abcdefghijklmnopqrstuvwxyz"

// RandString returns a random lowercase-alphanumeric string of length
// n, used as the RunID unless the config file sets run_id.
func RandString(n int) string {
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		sb.WriteByte(letters[rand.Intn(len(letters))])
	}
	return sb.String()
}

// ToCmdLine converts a command name and string arguments into the
// [][]byte shape the rest of the proxy passes commands around as.
func ToCmdLine(cmdName string, args ...string) [][]byte {
	line := make([][]byte, len(args)+1)
	line[0] = []byte(cmdName)
	for i, a := range args {
		line[i+1] = []byte(a)
	}
	return line
}
