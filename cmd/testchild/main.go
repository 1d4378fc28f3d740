// Command testchild is the pass/fail toggle fixture parentd supervises
// in its default configuration: it prints one line to
// stdout and exits 0, unless given any argument, in which case it
// prints to stderr and exits 1.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		fmt.Fprintln(os.Stderr, "boom")
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, "hello")
}
