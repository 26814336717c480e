package chat

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Console is the operator command loop. It runs beside the client
// sessions and acts on the same registry.
type Console struct {
	reg    *Registry
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	// Exit ends the process after /stop.
	Exit func(code int)
}

func NewConsole(reg *Registry, in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		reg:    reg,
		in:     in,
		out:    out,
		logger: logger,
		Exit:   os.Exit,
	}
}

// Run reads commands until input ends or /stop is executed.
func (c *Console) Run() error {
	c.printHelp()
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		if c.Execute(sc.Text()) {
			return nil
		}
	}
	return sc.Err()
}

// Execute runs a single command line and reports whether the console is done.
// The leading slash is optional.
func (c *Console) Execute(line string) bool {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	arg := strings.TrimSpace(line[len(fields[0]):])

	switch cmd {
	case "kick":
		c.kick(arg)
	case "list":
		c.list()
	case "stop":
		c.stop()
		return true
	case "help":
		c.printHelp()
	default:
		fmt.Fprintf(c.out, "unknown command %q\n", fields[0])
		c.printHelp()
	}
	return false
}

func (c *Console) kick(name string) {
	if name == "" {
		fmt.Fprintln(c.out, "usage: /kick <name>")
		return
	}
	err := c.reg.Kick(name)
	switch {
	case err == nil:
		fmt.Fprintf(c.out, "kicked %s\n", name)
		c.logger.Info("admin kick", "nickname", name)
	case errors.Is(err, ErrUserNotFound):
		fmt.Fprintf(c.out, "no user named %q is online\n", name)
	default:
		fmt.Fprintf(c.out, "kick failed: %v\n", err)
	}
}

func (c *Console) list() {
	users, err := c.reg.Users()
	if err != nil {
		fmt.Fprintf(c.out, "list failed: %v\n", err)
		return
	}
	if len(users) == 0 {
		fmt.Fprintln(c.out, "nobody is online")
		return
	}
	fmt.Fprintf(c.out, "%d online: %s\n", len(users), strings.Join(users, ", "))
}

func (c *Console) stop() {
	fmt.Fprintln(c.out, "clearing history and stopping the server...")
	if err := c.reg.Shutdown(); err != nil {
		fmt.Fprintf(c.out, "history purge failed: %v\n", err)
	} else {
		fmt.Fprintln(c.out, "history cleared")
	}
	fmt.Fprintln(c.out, "server stopped")
	c.logger.Info("admin stop")
	c.Exit(0)
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, "commands:")
	fmt.Fprintln(c.out, "  /kick <name>  disconnect a user")
	fmt.Fprintln(c.out, "  /list         show who is online")
	fmt.Fprintln(c.out, "  /stop         clear history and stop the server")
}
