// Package shell is the interactive pass-through loop: lines of the form
// "<node> <command...>" are dispatched to that node's executor.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"qemunet/pkg/executor"
)

const prompt = "qemunet> "

// Run reads commands from in until "exit" or EOF.
func Run(nodes map[string]executor.Runner, in io.Reader, out io.Writer) {
	fmt.Fprintln(out, "Interactive shell. Type 'help' for usage, 'exit' to tear down.")
	fmt.Fprint(out, prompt)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "exit" || line == "quit":
			return
		case line == "help":
			printHelp(out)
		case line == "nodes":
			printNodes(nodes, out)
		default:
			dispatch(nodes, line, out)
		}
		fmt.Fprint(out, prompt)
	}
}

func dispatch(nodes map[string]executor.Runner, line string, out io.Writer) {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	runner, ok := nodes[name]
	if !ok {
		fmt.Fprintf(out, "unknown node %q (try 'nodes')\n", name)
		return
	}
	if rest == "" {
		fmt.Fprintf(out, "usage: %s <command>\n", name)
		return
	}

	res := runner.Run(rest, 0)
	if res.Stdout != "" {
		fmt.Fprintln(out, res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintln(out, res.Stderr)
	}
	if res.Rc != 0 {
		fmt.Fprintf(out, "[rc=%d]\n", res.Rc)
	}
}

func printNodes(nodes map[string]executor.Runner, out io.Writer) {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(out, name)
	}
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "commands:")
	fmt.Fprintln(out, "  <node> <command...>   run a command on a node (e.g. 'q1 ping -c 3 q2')")
	fmt.Fprintln(out, "  nodes                 list nodes")
	fmt.Fprintln(out, "  exit                  tear down the topology and quit")
}
