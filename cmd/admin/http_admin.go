package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
)

func adminURL(baseURL, path string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
}

// serverUp reports whether a server answers /healthz at baseURL. An empty baseURL
// is never up.
func serverUp(baseURL string) bool {
	if strings.TrimSpace(baseURL) == "" {
		return false
	}
	cl := &http.Client{Timeout: time.Second}
	resp, err := cl.Get(adminURL(baseURL, "/healthz"))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// adminRequest prints the response body and fails on a non-2xx status.
func adminRequest(method, u string, body io.Reader, timeout time.Duration) error {
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return err
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	pterm.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

func stateCmd(args []string) error {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", defaultURL, "server base url")
	_ = fs.Parse(args)
	return adminRequest(http.MethodGet, adminURL(*baseURL, "/admin/v1/state"), nil, 5*time.Second)
}

func triggerSnapshotCmd(args []string) error {
	fs := flag.NewFlagSet("trigger-snapshot", flag.ExitOnError)
	baseURL := fs.String("url", defaultURL, "server base url")
	_ = fs.Parse(args)
	return adminRequest(http.MethodPost, adminURL(*baseURL, "/admin/v1/snapshot"), nil, 10*time.Second)
}

// reloadCmd makes a running server pick up the ledger currently in its store.
func reloadCmd(args []string) error {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	baseURL := fs.String("url", defaultURL, "server base url")
	_ = fs.Parse(args)
	return adminRequest(http.MethodPost, adminURL(*baseURL, "/admin/v1/reload"), nil, 10*time.Second)
}

func uploadSnapshot(baseURL, path string, force bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	u := adminURL(baseURL, "/admin/v1/import")
	if force {
		u += "?force=1"
	}
	pterm.Info.Printfln("server is running; importing %s through %s", path, baseURL)
	return adminRequest(http.MethodPost, u, f, 30*time.Second)
}
