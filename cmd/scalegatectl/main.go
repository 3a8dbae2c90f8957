// Command scalegatectl is a thin HTTP client CLI over the gateway's REST
// control plane — the Go analogue of the serial debug console in the
// original implementation, letting an operator list devices, inspect
// runtime state, enable/disable devices and execute manual steps without a
// browser; it has no step-test (dry-run) command. Command
// shape (root command + subcommands, persistent flags) is grounded on
// rustyeddy-otto/cmd/otto's cobra usage.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
)

var rootCmd = &cobra.Command{
	Use:           "scalegatectl",
	Short:         "Command-line client for the scalegate gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("API_KEY"), "gateway API key")

	rootCmd.AddCommand(devicesListCmd)
	rootCmd.AddCommand(deviceGetCmd)
	rootCmd.AddCommand(deviceEnableCmd)
	rootCmd.AddCommand(deviceDisableCmd)
	rootCmd.AddCommand(stepExecCmd)
}

var devicesListCmd = &cobra.Command{
	Use:   "devices",
	Short: "List all devices and their runtime state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRequest(http.MethodGet, "/api/devices", nil)
	},
}

var deviceGetCmd = &cobra.Command{
	Use:   "device [code]",
	Short: "Show a single device by device_code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRequest(http.MethodGet, "/api/devices/by-code/"+args[0], nil)
	},
}

var deviceEnableCmd = &cobra.Command{
	Use:   "enable [code]",
	Short: "Enable a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRequest(http.MethodPost, "/api/devices/by-code/"+args[0]+"/enable", nil)
	},
}

var deviceDisableCmd = &cobra.Command{
	Use:   "disable [code]",
	Short: "Disable a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRequest(http.MethodPost, "/api/devices/by-code/"+args[0]+"/disable", nil)
	},
}

var (
	stepAllowWrite bool
)

var stepExecCmd = &cobra.Command{
	Use:   "step [code] [step_id]",
	Short: "Execute a manual step on a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"step_id":     args[1],
			"allow_write": stepAllowWrite,
		}
		return doRequest(http.MethodPost, "/api/devices/by-code/"+args[0]+"/execute", body)
	},
}

func init() {
	stepExecCmd.Flags().BoolVar(&stepAllowWrite, "allow-write", false, "permit write actions for this step")
}

func doRequest(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out any
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&out); err != nil && err != io.EOF {
		return err
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
