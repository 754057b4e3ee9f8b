package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	payroll "github.com/payrollrelay/payroll/pkg"
)

/*
	These commands are convenience CLI tools that operate on a
	running payroll relay by calling its admin and relay APIs.
*/

type SubCommandArgs struct {
	RemoteAdminServer string
}

var client = &http.Client{Timeout: 60 * time.Second}

// Sweep asks a running relay to reconcile its pending transactions now,
// and prints the resulting records.
func Sweep(c payroll.Config, s SubCommandArgs) error {
	u, err := adminAPIURL(c, s, "/admin/sweep")
	if err != nil {
		return err
	}
	return printJSON(doRequest("POST", u, struct{}{}))
}

func ListTransactions(c payroll.Config, s SubCommandArgs) error {
	u, err := adminAPIURL(c, s, "/admin/transactions")
	if err != nil {
		return err
	}
	return printJSON(doRequest("GET", u, nil))
}

// RunTask sends one relay task, as the extension would.
func RunTask(c payroll.Config, s SubCommandArgs, task string, payload string) error {
	host := c.WebAPI.Bind
	if host == "" {
		host = "localhost"
	}
	u := fmt.Sprintf("http://%s:%s/task", host, c.WebAPI.Port)
	req := payroll.TaskRequest{Type: payroll.MESSAGE_TASK, Task: task}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		req.Payload = json.RawMessage(payload)
	}
	return printJSON(doRequest("POST", u, req))
}

// work out the remote admin URL from args or config and return
// a complete path with our best guess
func adminAPIURL(c payroll.Config, s SubCommandArgs, path string) (string, error) {
	base := ""
	if s.RemoteAdminServer != "" {
		base = s.RemoteAdminServer
	} else {
		host := c.WebAPI.AdminBind
		if host == "" {
			host = "localhost"
		}
		base = fmt.Sprintf("http://%s:%s/", host, c.WebAPI.AdminPort)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	p, err := url.Parse(path)
	if err != nil {
		return "", err
	}

	return u.ResolveReference(p).String(), nil
}

func doRequest(method, u string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize request body: %v", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %v", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: %s %s", method, u, resp.Status, b)
	}
	return b, nil
}

func printJSON(b []byte, err error) error {
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, b, "", "  "); err != nil {
		fmt.Println(string(b))
		return nil
	}
	fmt.Println(out.String())
	return nil
}
