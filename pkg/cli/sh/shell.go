// Package sh provides an interactive shell issuing commands on a bus.
package sh

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/robotalks/rrbus/pkg/master"
	"github.com/robotalks/rrbus/pkg/transport"
)

// DefaultCommandTimeout bounds a shell command.
const DefaultCommandTimeout = 5 * time.Second

// ErrNotConnected is reported by commands run without a bus.
var ErrNotConnected = errors.New("not connected")

// Shell provides ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool
	Timeout     time.Duration
	// PortURL is connected by Run when set.
	PortURL string

	Shell *ishell.Shell
	Bus   *master.Bus
	// Open opens the bus transport.
	Open func(url string) (transport.Port, error)

	port transport.Port
}

const (
	shellKey          = "$shell"
	unconnectedPrompt = "[none] > "
)

var (
	evalOnly   bool
	outputJSON bool

	commands = []*ishell.Cmd{
		&ConnectCmd,
		&DisconnectCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell.
func New() *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,
		Timeout:     DefaultCommandTimeout,
		Shell:       ishell.New(),
		Open:        transport.Open,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(unconnectedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// Connect opens the bus at url, closing the current one.
func (s *Shell) Connect(url string) error {
	port, err := s.Open(url)
	if err != nil {
		return err
	}
	s.Disconnect()
	s.port = port
	s.Bus = master.NewBus(port)
	s.Shell.SetPrompt(fmt.Sprintf("%s > ", url))
	return nil
}

// Disconnect closes the bus.
func (s *Shell) Disconnect() {
	if s.port != nil {
		s.port.Close()
		s.port, s.Bus = nil, nil
		s.Shell.SetPrompt(unconnectedPrompt)
	}
}

// Do runs fn against the bus and prints its result.
func (s *Shell) Do(c *ishell.Context, fn func(context.Context, *master.Bus) (interface{}, error)) error {
	return s.DoWith(c, s.Timeout, fn)
}

// DoWith is Do with a specific timeout.
func (s *Shell) DoWith(c *ishell.Context, timeout time.Duration, fn func(context.Context, *master.Bus) (interface{}, error)) error {
	if s.Bus == nil {
		c.Err(ErrNotConnected)
		return ErrNotConnected
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res, err := fn(ctx, s.Bus)
	if err != nil {
		c.Err(err)
		return err
	}
	switch {
	case res == nil:
		c.Println("OK")
	case s.OutputJSON:
		out, err := json.Marshal(res)
		if err != nil {
			c.Err(err)
			return err
		}
		c.Println(string(out))
	default:
		c.Println(Format(res))
	}
	return nil
}

// Format renders results for display.
func Format(res interface{}) string {
	switch v := res.(type) {
	case fmt.Stringer:
		return v.String()
	case []master.SensorConfig:
		return joinLines(len(v), func(n int) string { return v[n].String() })
	case []master.TurnoutConfig:
		return joinLines(len(v), func(n int) string { return v[n].String() })
	}
	return fmt.Sprintf("%v", res)
}

func joinLines(count int, line func(int) string) string {
	if count == 0 {
		return "none"
	}
	var out string
	for n := 0; n < count; n++ {
		if n > 0 {
			out += "\n"
		}
		out += line(n)
	}
	return out
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if s.PortURL != "" {
		if err := s.Connect(s.PortURL); err != nil {
			log.Fatalf("connect %q failed: %v", s.PortURL, err)
		}
		defer s.Disconnect()
	}
	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

var (
	// ConnectCmd opens a bus transport.
	ConnectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "URL (serial:///dev/ttyUSB0?baud=38400, tcp://host:port, ws://host/path)",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("URL required"))
				return
			}
			if err := ShellFrom(c).Connect(c.Args[0]); err != nil {
				c.Err(err)
			}
		},
	}

	// DisconnectCmd closes the bus.
	DisconnectCmd = ishell.Cmd{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Disconnect()
		},
	}
)

// Main is a helper to provide a single call in main.
func Main() {
	port := flag.String("port", "", "Bus transport URL to connect")
	flag.Parse()
	s := New()
	s.PortURL = *port
	s.Run(flag.Args()...)
}
