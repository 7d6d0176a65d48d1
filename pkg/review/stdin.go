package review

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

// Stdin shows the response on the terminal and reads one comment line.
// EOF counts as an empty comment, so piped input ends a session cleanly.
type Stdin struct {
	in  *bufio.Reader
	out io.Writer
}

func NewStdin() *Stdin {
	return &Stdin{
		in:  bufio.NewReader(os.Stdin),
		out: color.Output,
	}
}

func (s *Stdin) Review(_ context.Context, response string) (string, error) {
	color.New(color.FgCyan).Fprintln(s.out, "LLM Response:")
	fmt.Fprintln(s.out, response)
	color.New(color.FgYellow).Fprint(s.out, "Comment: ")

	line, err := s.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
