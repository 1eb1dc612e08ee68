// Command blaze-scan inspects and scans colpack files from the command line.
//
//	blaze-scan describe <file>
//	blaze-scan scan [-where predicate] [-columns a,b] [-limit n] <files...>
//	blaze-scan write [-schema spec] <file>
//
// Run "blaze-scan <command> -h" for the flags of each command.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
)

const usage = `usage: blaze-scan <command> [arguments]

Commands:
  describe  print the footer metadata of a file
  scan      scan files, applying an optional predicate
  write     write a file from rows read on standard input

Run "blaze-scan <command> -h" for the flags of a command.
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch cmd := args[0]; cmd {
	case "describe":
		err = describeCommand(args[1:])
	case "scan":
		err = scanCommand(args[1:])
	case "write":
		err = writeCommand(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("blaze-scan: %v", err))
		os.Exit(1)
	}
}
