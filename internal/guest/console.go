package guest

import (
	"io"
	"os"

	"golang.org/x/term"
)

// Console wires the guest's stdio fds to the host terminal. When stdin is a
// terminal it is switched into raw mode so the guest sees individual
// keystrokes rather than line-buffered input.
type Console struct {
	stdinFd  int
	oldState *term.State
}

func NewConsole() (*Console, error) {
	c := &Console{stdinFd: int(os.Stdin.Fd())}

	if term.IsTerminal(c.stdinFd) {
		state, err := term.MakeRaw(c.stdinFd)
		if err != nil {
			return nil, err
		}
		c.oldState = state
	}

	return c, nil
}

func (c *Console) Stdin() io.Reader  { return os.Stdin }
func (c *Console) Stdout() io.Writer { return os.Stdout }
func (c *Console) Stderr() io.Writer { return os.Stderr }

// Close restores the terminal state captured by NewConsole.
func (c *Console) Close() error {
	if c.oldState == nil {
		return nil
	}

	state := c.oldState
	c.oldState = nil
	return term.Restore(c.stdinFd, state)
}
