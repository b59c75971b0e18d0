package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

// execIface is the command surface the REPL dispatches to. App
// satisfies it; tests substitute a stub.
type execIface interface {
	Get(ctx context.Context, id string) error
	Set(ctx context.Context, id string, assignments []string) error
	List(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	Conflicts(ctx context.Context) error
	Resolve(ctx context.Context, conflictID, strategy string) error
	RotateKey(ctx context.Context) error
	Clear(ctx context.Context) error
}

// runREPL reads a line, takes the first token as the command and
// dispatches to a. Unknown commands are reported and the loop carries
// on; it exits on EOF or "exit"/"quit". Handlers print their own
// errors so one failed command never ends the session.
//
// Commands:
//
//	get <id>                    — show one record
//	set <id> field=value ...    — create or update a record
//	list                        — list records
//	del <id>                    — delete a record
//	conflicts                   — list pending sync conflicts
//	resolve <id> <strategy>     — resolve a conflict (local, remote, merge)
//	rotate-key                  — rotate the encryption key
//	clear                       — wipe local tiers and cache
//	help, exit, quit
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("medvault [%s] > ", statusFn()))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		switch cmd {
		case "help":
			printlnFn("Available commands: get, set, list, del, conflicts, resolve, rotate-key, clear, exit")

		case "get":
			if len(args) != 1 {
				printlnFn("Usage: get <id>")
				continue
			}
			_ = a.Get(ctx, args[0])

		case "set":
			if len(args) < 2 {
				printlnFn("Usage: set <id> field=value ...")
				continue
			}
			_ = a.Set(ctx, args[0], args[1:])

		case "l", "list":
			_ = a.List(ctx)

		case "del":
			if len(args) != 1 {
				printlnFn("Usage: del <id>")
				continue
			}
			_ = a.Delete(ctx, args[0])

		case "conflicts":
			_ = a.Conflicts(ctx)

		case "resolve":
			if len(args) != 2 {
				printlnFn("Usage: resolve <conflict-id> <local|remote|merge>")
				continue
			}
			_ = a.Resolve(ctx, args[0], args[1])

		case "rotate-key":
			_ = a.RotateKey(ctx)

		case "clear":
			_ = a.Clear(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}
