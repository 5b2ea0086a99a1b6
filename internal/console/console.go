package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const defaultProbeTimeout = 2 * time.Second

// Controller is what the console commands act on.
type Controller interface {
	Reload() error
	FilterFile() string
	SetBlockAll(v bool)
	SetDiagnosis(v bool)
	SetUpstream(ip string) error
	SetUpstreamPort(port int) error
	ListenAddr() string
}

type Console struct {
	ctrl         Controller
	out          io.Writer
	probeTimeout time.Duration
}

func New(ctrl Controller, out io.Writer) *Console {
	return &Console{
		ctrl:         ctrl,
		out:          out,
		probeTimeout: defaultProbeTimeout,
	}
}

// Run executes the commands read from in until "exit" or ctx is done. It
// returns io.EOF when in runs out first.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	errc := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		errc <- err
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if c.Execute(line) {
				return nil
			}
		}
	}
}

// Execute runs one command line and reports whether it was "exit".
func (c *Console) Execute(line string) bool {
	line = strings.ToLower(strings.TrimSpace(line))
	if line == "" {
		return false
	}

	params := strings.Fields(line)
	cmd := params[0]
	if cmd == "exit" {
		return true
	}

	if err := c.dispatch(cmd, params[1:]); err != nil {
		c.printf("An error occurred while executing the command %s [%v]\n", cmd, err)
	}
	return false
}

func (c *Console) dispatch(cmd string, args []string) error {
	switch cmd {
	case "reload":
		if err := c.ctrl.Reload(); err != nil {
			return err
		}
		c.printf("Entry file %q reloaded.\n", c.ctrl.FilterFile())

	case "diagnosis":
		if len(args) == 0 {
			c.printf("Parameter missing.\n")
			return nil
		}
		on := parseSwitch(args[0])
		c.ctrl.SetDiagnosis(on)
		c.printf("Diagnosis mode %s.\n", activated(on))

	case "blockall":
		if len(args) == 0 {
			c.printf("Parameter missing.\n")
			return nil
		}
		on := parseSwitch(args[0])
		c.ctrl.SetBlockAll(on)
		c.printf("Block all mode %s.\n", activated(on))

	case "defaultip":
		if len(args) == 0 {
			c.printf("Parameter missing.\n")
			return nil
		}
		if err := c.ctrl.SetUpstream(args[0]); err != nil {
			return err
		}
		c.printf("Default ip changed to %s.\n", args[0])

	case "defaultport":
		if len(args) == 0 {
			c.printf("Parameter missing.\n")
			return nil
		}
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid port %q", args[0])
		}
		if err := c.ctrl.SetUpstreamPort(port); err != nil {
			return err
		}
		c.printf("Default port changed to %d.\n", port)

	case "probe":
		if len(args) == 0 {
			c.printf("Parameter missing.\n")
			return nil
		}
		return c.probe(args[0])

	case "?", "help":
		c.printf("********** Help **********\n")
		c.printf("* reload : reload the file containing the entries.\n")
		c.printf("* diagnosis [true/false] : start/stop the diagnosis.\n")
		c.printf("* blockall [true/false] : start/stop blocking all entries.\n")
		c.printf("* defaultip [ip] : set the default DNS server ip if the entry is valid.\n")
		c.printf("* defaultport [port] : set the default DNS server port if the entry is valid.\n")
		c.printf("* probe [domain] : resolve a domain through this server.\n")
		c.printf("* exit : stop the server.\n")
		c.printf("**************************\n")

	default:
		c.printf("Command %q not found.\n", cmd)
	}
	return nil
}

// probe resolves domain through the local listener.
func (c *Console) probe(domain string) error {
	addr := probeAddr(c.ctrl.ListenAddr())

	msg := &dns.Msg{}
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)

	client := &dns.Client{Net: "udp", Timeout: c.probeTimeout}
	resp, rtt, err := client.Exchange(msg, addr)
	if err != nil {
		return err
	}

	c.printf("%s: %s in %v\n", domain, dns.RcodeToString[resp.Rcode], rtt.Round(time.Millisecond))
	for _, rr := range resp.Answer {
		c.printf("  %s\n", rr.String())
	}
	return nil
}

// probeAddr turns a wildcard listen address into a loopback one.
func probeAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func parseSwitch(s string) bool {
	switch s {
	case "true", "on", "start", "1":
		return true
	}
	return false
}

func activated(on bool) string {
	if on {
		return "activated"
	}
	return "deactivated"
}

func (c *Console) printf(format string, v ...interface{}) {
	fmt.Fprintf(c.out, format, v...)
}
