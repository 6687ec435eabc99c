package prompt

import (
	"bufio"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

// Terminal prompts on a TTY. PIN entry is not echoed.
type Terminal struct {
	In  *os.File
	Out io.Writer

	reader *bufio.Reader
}

// NewTerminal prompts on stdin and stderr.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

// Interactive reports whether input is attached to a terminal.
func (t *Terminal) Interactive() bool {
	return term.IsTerminal(int(t.In.Fd()))
}

// PIN reads a PIN without echo. An empty answer cancels.
func (t *Terminal) PIN(ctx context.Context, req PINRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !t.Interactive() {
		return "", errors.Wrap(ErrCanceled, "no terminal for PIN entry")
	}

	msg := "PIN"
	if req.Label != "" {
		msg = fmt.Sprintf("PIN for %s", req.Label)
	}
	if req.Retry {
		msg = "Wrong PIN. " + msg
	}
	if req.RetriesLeft > 0 {
		msg = fmt.Sprintf("%s (%d attempts left)", msg, req.RetriesLeft)
	}
	fmt.Fprintf(t.Out, "%s: ", msg)

	pin, err := term.ReadPassword(int(t.In.Fd()))
	fmt.Fprintln(t.Out)
	if err != nil {
		return "", errors.Wrap(err, "read PIN")
	}
	if len(pin) == 0 {
		return "", ErrCanceled
	}
	return string(pin), nil
}

// SelectCertificate lists certs and reads a 1-based choice.
func (t *Terminal) SelectCertificate(ctx context.Context, certs []*x509.Certificate) (*x509.Certificate, error) {
	if len(certs) == 0 {
		return nil, ErrCanceled
	}
	if len(certs) == 1 {
		return certs[0], nil
	}
	for i, c := range certs {
		fmt.Fprintf(t.Out, "  %d) %s (issuer %s, expires %s)\n", i+1, c.Subject.CommonName, c.Issuer.CommonName, c.NotAfter.Format("2006-01-02"))
	}
	answer, err := t.ask(ctx, "Certificate")
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(answer)
	if err != nil || n < 1 || n > len(certs) {
		return nil, ErrCanceled
	}
	return certs[n-1], nil
}

// SelectFile reads a path and returns the file contents.
func (t *Terminal) SelectFile(ctx context.Context, purpose Purpose) ([]byte, error) {
	path, err := t.ask(ctx, fmt.Sprintf("Path to %s file", purpose))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return data, nil
}

func (t *Terminal) ask(ctx context.Context, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if t.reader == nil {
		t.reader = bufio.NewReader(t.In)
	}
	fmt.Fprintf(t.Out, "%s: ", question)
	line, err := t.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", ErrCanceled
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ErrCanceled
	}
	return line, nil
}
