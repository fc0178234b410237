package logger

import "os"

// isTerminal reports whether the file descriptor refers to a character
// device. Used to decide whether colored output is appropriate.
func isTerminal(fd uintptr) bool {
	f := os.NewFile(fd, "")
	if f == nil {
		return false
	}
	st, err := f.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}
