// Command parentctl is a thin reference client for parentd's control
// socket: it sends one command line and, for GET_STATUS, prints the one
// reply frame it gets back, then exits; the other commands get no reply
// and nothing is read for them. It is not an interactive shell — ported from
// original_source/client.c's stdin/socket loop, simplified since Go's
// net package makes that program's second kqueue instance unnecessary.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
)

const socketPath = "/tmp/parent.socket"

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s GET_STATUS|RESTART|STOP|RESUME\n", os.Args[0])
		os.Exit(2)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	cmd := strings.ToUpper(os.Args[1])
	if _, err := fmt.Fprintf(conn, "%s\n", cmd); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}

	// Only GET_STATUS gets a reply; RESTART/STOP/RESUME are fire-and-forget,
	// so reading for them would block forever.
	if cmd != "GET_STATUS" {
		return
	}

	reply, err := bufio.NewReader(conn).ReadString(0)
	if err != nil && len(reply) == 0 {
		fmt.Fprintf(os.Stderr, "read: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(strings.TrimRight(reply, "\x00"))
}
