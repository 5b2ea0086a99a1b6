package hubctl

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"github.com/Roman-Samoilenko/dnsblock/internal/logger"
)

// IPTablesManager redirects local UDP DNS traffic from the standard port to
// the port the proxy listens on, so it can run unprivileged.
type IPTablesManager struct {
	fromPort int
	toPort   int
	active   bool
	run      func(args ...string) error
	mu       sync.Mutex
}

func NewIPTablesManager(fromPort, toPort int) *IPTablesManager {
	return &IPTablesManager{
		fromPort: fromPort,
		toPort:   toPort,
		run:      runIPTablesCommand,
	}
}

// redirectRules returns the nat rules for op, "-A" to add or "-D" to delete.
func (ipt *IPTablesManager) redirectRules(op string) [][]string {
	from := strconv.Itoa(ipt.fromPort)
	to := strconv.Itoa(ipt.toPort)
	return [][]string{
		// Queries from this host
		{"-t", "nat", op, "OUTPUT", "-p", "udp", "--dport", from,
			"-j", "REDIRECT", "--to-port", to},

		// Queries from the network
		{"-t", "nat", op, "PREROUTING", "-p", "udp", "--dport", from,
			"-j", "REDIRECT", "--to-port", to},
	}
}

func (ipt *IPTablesManager) Setup() error {
	ipt.mu.Lock()
	defer ipt.mu.Unlock()

	if ipt.active {
		logger.Warnf("iptables rules already active")
		return nil
	}

	logger.Infof("Redirecting UDP port %d to %d", ipt.fromPort, ipt.toPort)

	var applied [][]string
	for _, rule := range ipt.redirectRules("-A") {
		if err := ipt.run(rule...); err != nil {
			logger.Errorf("Failed to apply rule: %v", err)
			ipt.rollback(applied)
			return err
		}
		applied = append(applied, rule)
		logger.Successf("Applied: iptables %v", rule)
	}

	ipt.active = true
	return nil
}

func (ipt *IPTablesManager) rollback(applied [][]string) {
	for _, rule := range applied {
		del := append([]string{}, rule...)
		del[2] = "-D"
		if err := ipt.run(del...); err != nil {
			logger.Warnf("Failed to roll back rule: %v", err)
		}
	}
}

func (ipt *IPTablesManager) Cleanup() error {
	ipt.mu.Lock()
	defer ipt.mu.Unlock()

	if !ipt.active {
		return nil
	}

	logger.Infof("Removing DNS redirection rules")

	for _, rule := range ipt.redirectRules("-D") {
		if err := ipt.run(rule...); err != nil {
			logger.Warnf("Failed to remove rule: %v", err)
			// Continue anyway
		} else {
			logger.Successf("Removed: iptables %v", rule)
		}
	}

	ipt.active = false
	return nil
}

func runIPTablesCommand(args ...string) error {
	cmd := exec.CommandContext(context.Background(), "iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %s", err, output)
	}
	return nil
}

func (ipt *IPTablesManager) IsActive() bool {
	ipt.mu.Lock()
	defer ipt.mu.Unlock()
	return ipt.active
}
