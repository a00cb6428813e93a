// Command gojofs_cli is an interactive shell for the file server. It keeps
// transaction state across commands so a session can open a transaction,
// stream writes, and commit or abort it. A command given on the invocation
// line runs once and exits.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/sushant-115/gojofs/pkg/client"
	"github.com/sushant-115/gojofs/pkg/logger"
)

var (
	serverAddr = flag.String("server_addr", "127.0.0.1:8080", "host:port of the file server")
	logLevel   = flag.String("log_level", "warn", "Minimum log level (debug, info, warn, error)")
)

const helpText = `Commands:
  new <file>                open a transaction for <file>, prints its id
  write <txn> <seq> <data>  buffer <data> as packet <seq> of transaction <txn>
  commit <txn> <seq>        flush the transaction; <seq> is the highest packet
  abort <txn>               discard the transaction
  read <file>               print the contents of <file>
  help                      show this text
  exit                      leave the shell
`

func main() {
	flag.Parse()

	zlogger, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zlogger.Sync()

	c := client.New(*serverAddr, zlogger)
	defer c.Close()

	if args := flag.Args(); len(args) > 0 {
		if err := runCommand(c, args, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	rl, err := readline.New("gojofs> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open prompt: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			return
		}
		if err := runCommand(c, fields, rl.Stdout()); err != nil {
			fmt.Fprintln(rl.Stderr(), err)
		}
	}
}

// runCommand executes one parsed command against the client.
func runCommand(c *client.Client, args []string, out io.Writer) error {
	switch args[0] {
	case "new":
		if len(args) != 2 {
			return errors.New("usage: new <file>")
		}
		txnID, err := c.NewTxn(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "transaction %d opened for %s\n", txnID, args[1])
		return nil

	case "write":
		if len(args) < 4 {
			return errors.New("usage: write <txn> <seq> <data>")
		}
		txnID, seqNum, err := parseIDs(args[1], args[2])
		if err != nil {
			return err
		}
		data := strings.Join(args[3:], " ")
		if err := c.Write(txnID, seqNum, []byte(data)); err != nil {
			return err
		}
		fmt.Fprintf(out, "packet %d buffered (%d bytes)\n", seqNum, len(data))
		return nil

	case "commit":
		if len(args) != 3 {
			return errors.New("usage: commit <txn> <seq>")
		}
		txnID, seqNum, err := parseIDs(args[1], args[2])
		if err != nil {
			return err
		}
		err = c.Commit(txnID, seqNum)
		var resend *client.ResendError
		if errors.As(err, &resend) {
			return fmt.Errorf("packet %d is missing, write it and commit again", resend.MissingSeqNum)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "transaction %d committed\n", txnID)
		return nil

	case "abort":
		if len(args) != 2 {
			return errors.New("usage: abort <txn>")
		}
		txnID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad transaction id %q", args[1])
		}
		if err := c.Abort(txnID); err != nil {
			return err
		}
		fmt.Fprintf(out, "transaction %d aborted\n", txnID)
		return nil

	case "read":
		if len(args) != 2 {
			return errors.New("usage: read <file>")
		}
		data, err := c.Read(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n", data)
		return nil

	case "help":
		fmt.Fprint(out, helpText)
		return nil
	}
	return fmt.Errorf("unknown command %q, try help", args[0])
}

// parseIDs converts the txn and seq arguments of write and commit.
func parseIDs(txn, seq string) (int64, int64, error) {
	txnID, err := strconv.ParseInt(txn, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad transaction id %q", txn)
	}
	seqNum, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad sequence number %q", seq)
	}
	return txnID, seqNum, nil
}
