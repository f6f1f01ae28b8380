package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"chainfeed.app/internal/ledger"
	"chainfeed.app/internal/persistence/kv"
	"chainfeed.app/internal/persistence/snapshot"
	"chainfeed.app/internal/session"
)

const (
	defaultStore = "./data/chainfeed.sqlite"
	defaultKey   = session.DefaultLedgerKey
	defaultURL   = "http://127.0.0.1:8080"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	os.Exit(exitCode(run(os.Args[1], os.Args[2:])))
}

func run(cmd string, args []string) error {
	switch cmd {
	case "inspect":
		return inspectCmd(args)
	case "verify":
		return verifyCmd(args)
	case "mine":
		return mineCmd(args)
	case "kv":
		return kvCmd(args)
	case "snapshot":
		return snapshotCmd(args)
	case "state":
		return stateCmd(args)
	case "trigger-snapshot":
		return triggerSnapshotCmd(args)
	case "reload":
		return reloadCmd(args)
	default:
		return errUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin <inspect|verify|mine|kv|snapshot|state|trigger-snapshot|reload> [flags]")
}

var errUsage = errors.New("usage")

// exitError carries a process exit code. reported is set when the failure has
// already been shown to the user.
type exitError struct {
	code     int
	err      error
	reported bool
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitCode reports err and returns the code main exits with. Commands return their
// errors instead of exiting so deferred cleanup, such as closing the store, runs.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errUsage) {
		usage()
		return 2
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if !ee.reported {
			pterm.Error.Println(ee.err.Error())
		}
		return ee.code
	}
	pterm.Error.Println(err.Error())
	return 1
}

// source selects where a command reads the ledger from: a snapshot file or the store.
type source struct {
	store    *string
	key      *string
	snapshot *string
}

func sourceFlags(fs *flag.FlagSet) source {
	return source{
		store:    fs.String("store", defaultStore, "sqlite store path"),
		key:      fs.String("key", defaultKey, "ledger key in the store"),
		snapshot: fs.String("snapshot", "", "read from a snapshot file instead of the store"),
	}
}

func (s source) load(ctx context.Context) (*ledger.Ledger, error) {
	if p := strings.TrimSpace(*s.snapshot); p != "" {
		_, l, err := snapshot.Read(p, ledger.Options{})
		return l, err
	}
	store, err := kv.OpenSQLite(*s.store)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	b, err := store.Get(ctx, *s.key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", *s.key, err)
	}
	return ledger.Unmarshal(b, ledger.Options{})
}

func inspectCmd(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	src := sourceFlags(fs)
	pendingOnly := fs.Bool("pending", false, "list pending posts instead of the chain")
	messages := fs.Bool("messages", false, "list direct messages instead of the chain")
	_ = fs.Parse(args)

	l, err := src.load(context.Background())
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	pterm.DefaultBox.WithTitle(pterm.LightCyan("|LEDGER|")).WithTitleTopCenter().Println(infoText(l))

	var data pterm.TableData
	switch {
	case *messages:
		data = messageTable(l.Messages())
	case *pendingOnly:
		data = blockTable(l.Pending(), 0)
	default:
		data = blockTable(l.Chain(), 0)
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func infoText(l *ledger.Ledger) string {
	valid := pterm.LightGreen("valid")
	if err := l.Verify(); err != nil {
		valid = pterm.LightRed(err.Error())
	}
	return pterm.Sprintfln("height     %d", l.Height()) +
		pterm.Sprintfln("pending    %d", len(l.Pending())) +
		pterm.Sprintfln("messages   %d", len(l.Messages())) +
		pterm.Sprintfln("difficulty %d (%s)", l.Difficulty(), l.Scheme()) +
		pterm.Sprintfln("tail       %s", l.TailHash()) +
		pterm.Sprintf("chain      %s", valid)
}

func blockTable(bs []ledger.Block, first int) pterm.TableData {
	data := pterm.TableData{{"#", "ID", "Author", "Time", "Content", "Prev", "Hash", "Nonce"}}
	for i, b := range bs {
		data = append(data, []string{
			strconv.Itoa(first + i),
			shorten(b.ID, 8),
			b.Author,
			time.UnixMilli(b.Timestamp).UTC().Format(time.RFC3339),
			shorten(b.Content, 40),
			b.PreviousHash,
			b.Hash,
			strconv.FormatUint(b.Nonce, 10),
		})
	}
	return data
}

func messageTable(ms []ledger.Message) pterm.TableData {
	data := pterm.TableData{{"ID", "From", "To", "Time", "Content"}}
	for _, m := range ms {
		data = append(data, []string{
			shorten(m.ID, 8),
			m.Sender,
			m.Recipient,
			time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339),
			shorten(m.Content, 40),
		})
	}
	return data
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func verifyCmd(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	src := sourceFlags(fs)
	pow := fs.Bool("pow", false, "also require every mined block to meet the difficulty")
	_ = fs.Parse(args)

	l, err := src.load(context.Background())
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if err := verify(l, *pow); err != nil {
		return fmt.Errorf("chain invalid: %w", err)
	}
	pterm.Success.Printfln("chain valid (height=%d tail=%s)", l.Height(), l.TailHash())
	return nil
}

// verify runs the ledger's integrity check and, with pow, the difficulty check that
// IsChainValid leaves out.
func verify(l *ledger.Ledger, pow bool) error {
	if err := l.Verify(); err != nil {
		return err
	}
	if !pow {
		return nil
	}
	for i, b := range l.Chain() {
		if i == 0 {
			continue
		}
		if !b.MeetsDifficulty(l.Difficulty()) {
			return &ledger.ChainError{Index: i, Reason: fmt.Sprintf("hash %s does not meet difficulty %d", b.Hash, l.Difficulty())}
		}
	}
	return nil
}

func mineCmd(args []string) error {
	fs := flag.NewFlagSet("mine", flag.ExitOnError)
	storePath := fs.String("store", defaultStore, "sqlite store path")
	key := fs.String("key", defaultKey, "ledger key in the store")
	miner := fs.String("miner", "admin", "miner name recorded in the report")
	timeout := fs.Duration("timeout", 0, "give up after this long (0 waits forever)")
	baseURL := fs.String("url", defaultURL, "refuse to run while a server answers here (empty skips the check)")
	_ = fs.Parse(args)

	// A running server would overwrite the mined ledger on its next write.
	if serverUp(*baseURL) {
		return fmt.Errorf("server at %s is running; send MINE over the websocket or stop the server first", *baseURL)
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	store, err := kv.OpenSQLite(*storePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	sess, err := session.Open(ctx, store, session.Config{LedgerKey: *key})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	pending := len(sess.Current().Pending())
	if pending == 0 {
		pterm.Info.Println("no pending posts")
		return nil
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Mining %d pending posts at difficulty %d ...", pending, sess.Current().Difficulty()))
	rep, err := sess.Mine(ctx, *miner)
	if err != nil {
		spinner.Fail(err.Error())
		code := 1
		if errors.Is(err, context.DeadlineExceeded) {
			code = 3
		}
		return &exitError{code: code, err: err, reported: true}
	}
	spinner.Success(fmt.Sprintf("mined %d blocks in %s (%d attempts), tail %s", rep.Blocks, rep.Duration.Round(time.Millisecond), rep.Attempts, rep.TailHash))
	return nil
}
