// Package server maps command lines onto handlers through a fixed table;
// command replies always go back to the invoking session only.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

// CommandResult is what a command produces for its invoker.
type CommandResult struct {
	Lines []string
	// Exit asks the session to log out after the reply is written.
	Exit bool
}

type commandHandler func(s *Session) CommandResult

type command struct {
	name        string
	alias       string
	description string
	handler     commandHandler
}

// CommandProcessor dispatches command lines. It keeps no per-session state.
type CommandProcessor struct {
	registry  *Registry
	startedAt time.Time
	now       func() time.Time
	resolveIP func() (string, error)

	commands  []command
	table     map[string]commandHandler
	helpLines []string
}

// CommandOption customizes a CommandProcessor.
type CommandOption func(*CommandProcessor)

// WithClock overrides the time source used for uptime replies.
func WithClock(now func() time.Time) CommandOption {
	return func(p *CommandProcessor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithIPResolver overrides how the server address is discovered.
func WithIPResolver(resolve func() (string, error)) CommandOption {
	return func(p *CommandProcessor) {
		if resolve != nil {
			p.resolveIP = resolve
		}
	}
}

// NewCommandProcessor builds the command table. startedAt is the server
// start time reported by the uptime command.
func NewCommandProcessor(registry *Registry, startedAt time.Time, opts ...CommandOption) *CommandProcessor {
	p := &CommandProcessor{
		registry:  registry,
		startedAt: startedAt,
		now:       time.Now,
		resolveIP: resolveHostIP,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.commands = []command{
		{";cut", ";client_ut", "seconds since you joined", p.clientUptime},
		{";e", ";exit", "log out and disconnect", p.exit},
		{";h", ";help", "show this table", p.help},
		{";ip", ";ip_addr", "server IP address", p.ipAddress},
		{";ut", ";uptime", "seconds since the server started", p.serverUptime},
		{";un", ";usr_num", "number of users online", p.usersOnline},
	}
	p.table = make(map[string]commandHandler, 2*len(p.commands))
	for _, c := range p.commands {
		p.table[c.name] = c.handler
		p.table[c.alias] = c.handler
	}
	p.helpLines = renderHelp(p.commands)

	return p
}

// Dispatch runs the command matching the whole line. Matching is exact and
// case-sensitive; anything else gets the unknown-command reply.
func (p *CommandProcessor) Dispatch(s *Session, line string) CommandResult {
	handler, ok := p.table[line]
	if !ok {
		return reply(UnknownCommand)
	}
	return handler(s)
}

func reply(lines ...string) CommandResult {
	return CommandResult{Lines: lines}
}

func (p *CommandProcessor) clientUptime(s *Session) CommandResult {
	return reply(fmt.Sprintf("Client uptime: %d seconds", elapsedSeconds(s.JoinedAt(), p.now())))
}

func (p *CommandProcessor) exit(s *Session) CommandResult {
	return CommandResult{
		Lines: []string{fmt.Sprintf("Goodbye, %s!", s.Username())},
		Exit:  true,
	}
}

func (p *CommandProcessor) help(*Session) CommandResult {
	lines := make([]string, len(p.helpLines))
	copy(lines, p.helpLines)
	return reply(lines...)
}

func (p *CommandProcessor) ipAddress(*Session) CommandResult {
	ip, err := p.resolveIP()
	if err != nil || ip == "" {
		ip = Unavailable
	}
	return reply("Server IP address: " + ip)
}

func (p *CommandProcessor) serverUptime(*Session) CommandResult {
	return reply(fmt.Sprintf("Server uptime: %d seconds", elapsedSeconds(p.startedAt, p.now())))
}

func (p *CommandProcessor) usersOnline(*Session) CommandResult {
	return reply(fmt.Sprintf("Users online: %d", p.registry.CountActive()))
}

func elapsedSeconds(from, to time.Time) int64 {
	if from.IsZero() || to.Before(from) {
		return 0
	}
	return int64(to.Sub(from) / time.Second)
}

func renderHelp(commands []command) []string {
	var b strings.Builder
	table := tablewriter.NewWriter(&b)
	table.SetHeader([]string{"Command", "Alias", "Description"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, c := range commands {
		table.Append([]string{c.name, c.alias, c.description})
	}
	table.Render()

	lines := []string{"Available commands:"}
	for _, line := range strings.Split(b.String(), "\n") {
		if line = strings.TrimRight(line, " \t"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// resolveHostIP looks up the host name, preferring a non-loopback IPv4.
func resolveHostIP() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	return pickAddress(addrs)
}

func pickAddress(addrs []net.IPAddr) (string, error) {
	var fallback string
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil && !v4.IsLoopback() {
			return v4.String(), nil
		}
		if fallback == "" {
			fallback = addr.IP.String()
		}
	}
	if fallback == "" {
		return "", errors.New("no address for host")
	}
	return fallback, nil
}
