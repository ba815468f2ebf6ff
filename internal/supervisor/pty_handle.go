package supervisor

import "io"

// PtyHandle abstracts the PTY master so lifecycle code stays platform-neutral.
type PtyHandle interface {
	io.Reader
	io.Writer
	io.Closer

	// Resize changes the terminal dimensions.
	Resize(cols, rows uint16) error
}
