package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"chainfeed.app/internal/ledger"
	"chainfeed.app/internal/persistence/kv"
	"chainfeed.app/internal/persistence/snapshot"
	"chainfeed.app/internal/session"
)

func kvCmd(args []string) error {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: admin kv <keys|get|rm> [flags]")
		return &exitError{code: 2, err: errors.New("missing kv command"), reported: true}
	}
	fs := flag.NewFlagSet("kv "+args[0], flag.ExitOnError)
	storePath := fs.String("store", defaultStore, "sqlite store path")
	key := fs.String("key", "", "key (get, rm)")
	_ = fs.Parse(args[1:])

	ctx := context.Background()
	store, err := kv.OpenSQLite(*storePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	switch args[0] {
	case "keys":
		keys, err := store.Keys(ctx)
		if err != nil {
			return fmt.Errorf("keys: %w", err)
		}
		data := pterm.TableData{{"Key", "Bytes"}}
		for _, k := range keys {
			v, err := store.Get(ctx, k)
			if err != nil {
				return fmt.Errorf("get %s: %w", k, err)
			}
			data = append(data, []string{k, strconv.Itoa(len(v))})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	case "get":
		if *key == "" {
			return errors.New("missing -key")
		}
		v, err := store.Get(ctx, *key)
		if err != nil {
			return fmt.Errorf("get %s: %w", *key, err)
		}
		_, _ = os.Stdout.Write(v)
		fmt.Println()
		return nil
	case "rm":
		if *key == "" {
			return errors.New("missing -key")
		}
		if err := store.Remove(ctx, *key); err != nil {
			return fmt.Errorf("remove %s: %w", *key, err)
		}
		pterm.Success.Printfln("removed %s", *key)
		return nil
	default:
		return fmt.Errorf("unknown kv command %q", args[0])
	}
}

func snapshotCmd(args []string) error {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: admin snapshot <list|export|import> [flags]")
		return &exitError{code: 2, err: errors.New("missing snapshot command"), reported: true}
	}
	switch args[0] {
	case "list":
		return snapshotListCmd(args[1:])
	case "export":
		return snapshotExportCmd(args[1:])
	case "import":
		return snapshotImportCmd(args[1:])
	default:
		return fmt.Errorf("unknown snapshot command %q", args[0])
	}
}

func snapshotListCmd(args []string) error {
	fs := flag.NewFlagSet("snapshot list", flag.ExitOnError)
	dir := fs.String("dir", "./data/snapshots", "snapshot directory")
	_ = fs.Parse(args)

	paths, err := snapshot.List(*dir)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	data, err := snapshotTable(paths)
	if err != nil {
		return err
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func snapshotTable(paths []string) (pterm.TableData, error) {
	data := pterm.TableData{{"File", "Written", "Height", "Pending", "Messages", "Tail"}}
	for _, p := range paths {
		h, _, err := snapshot.Read(p, ledger.Options{})
		if err != nil && !errors.Is(err, ledger.ErrMalformedLedger) {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		data = append(data, []string{
			filepath.Base(p),
			time.UnixMilli(h.WrittenAt).UTC().Format(time.RFC3339),
			strconv.Itoa(h.Height),
			strconv.Itoa(h.Pending),
			strconv.Itoa(h.Messages),
			h.TailHash,
		})
	}
	return data, nil
}

func snapshotExportCmd(args []string) error {
	fs := flag.NewFlagSet("snapshot export", flag.ExitOnError)
	src := sourceFlags(fs)
	dir := fs.String("dir", "./data/snapshots", "snapshot directory")
	_ = fs.Parse(args)

	l, err := src.load(context.Background())
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	path := snapshot.PathFor(*dir, time.Now())
	h, err := snapshot.Write(path, l)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	pterm.Success.Printfln("wrote %s (height=%d tail=%s)", path, h.Height, h.TailHash)
	return nil
}

// snapshotImportCmd goes through the running server when one answers at -url, so
// the server publishes the import itself. Otherwise it writes the store directly.
func snapshotImportCmd(args []string) error {
	fs := flag.NewFlagSet("snapshot import", flag.ExitOnError)
	in := fs.String("in", "", "snapshot file (default: latest in -dir)")
	dir := fs.String("dir", "./data/snapshots", "snapshot directory")
	storePath := fs.String("store", defaultStore, "sqlite store path")
	key := fs.String("key", defaultKey, "ledger key in the store")
	force := fs.Bool("force", false, "import even if the snapshot fails verification")
	baseURL := fs.String("url", defaultURL, "import through the server at this url when it is running (empty never does)")
	_ = fs.Parse(args)

	path := *in
	if path == "" {
		latest, err := snapshot.Latest(*dir)
		if err != nil {
			return fmt.Errorf("find latest snapshot: %w", err)
		}
		if latest == "" {
			return fmt.Errorf("no snapshots in %s", *dir)
		}
		path = latest
	}

	if serverUp(*baseURL) {
		return uploadSnapshot(*baseURL, path, *force)
	}

	store, err := kv.OpenSQLite(*storePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	h, backup, err := importSnapshot(context.Background(), store, *key, path, *force)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	pterm.Success.Printfln("imported %s into %s (height=%d)", filepath.Base(path), *key, h.Height)
	if backup != "" {
		pterm.Info.Printfln("previous ledger kept as %s", backup)
	}
	return nil
}

// importSnapshot replaces the stored ledger with the one in path and returns the key
// the previous value was kept under, if there was one.
func importSnapshot(ctx context.Context, store kv.Store, key, path string, force bool) (snapshot.Header, string, error) {
	h, l, err := snapshot.Read(path, ledger.Options{})
	if err != nil {
		return h, "", err
	}
	if err := l.Verify(); err != nil && !force {
		return h, "", fmt.Errorf("snapshot fails verification (use -force): %w", err)
	}
	sess, err := session.Open(ctx, store, session.Config{LedgerKey: key})
	if err != nil {
		return h, "", err
	}
	backup, err := sess.Import(ctx, l, "admin")
	return h, backup, err
}
