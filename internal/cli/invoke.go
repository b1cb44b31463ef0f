package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiURL      string
	invokeInput string
	invokeAsync bool
	invokeUser  string
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <function>",
	Short: "Invoke a function on a running server",
	Long: `Invoke a function through the HTTP API and print the execution.

Input is a JSON object given inline or read from a file with @path.

Examples:
  tracery invoke greet --input '{"name":"Ada"}'
  tracery invoke greet --input @input.json --async`,
	Args: cobra.ExactArgs(1),
	RunE: runInvoke,
}

var continueCmd = &cobra.Command{
	Use:   "continue <execution-id>",
	Short: "Continue an execution that is awaiting input",
	Long: `Supply input to an execution that paused for it and print the
execution after its next phase.

Example:
  tracery continue 0f8c... --input '{"approved":true}'`,
	Args: cobra.ExactArgs(1),
	RunE: runContinue,
}

func init() {
	for _, cmd := range []*cobra.Command{invokeCmd, continueCmd} {
		cmd.Flags().StringVar(&apiURL, "url", "", "Server URL (default from config)")
		cmd.Flags().StringVarP(&invokeInput, "input", "i", "", "JSON input, or @file")
		cmd.Flags().BoolVar(&invokeAsync, "async", false, "Return immediately with the execution id")
		rootCmd.AddCommand(cmd)
	}
	invokeCmd.Flags().StringVar(&invokeUser, "user", "", "User id to invoke as")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	input, err := readInput(invokeInput)
	if err != nil {
		return err
	}
	body := map[string]any{"input": input, "async": invokeAsync}

	headers := http.Header{}
	if invokeUser != "" {
		headers.Set("X-User-ID", invokeUser)
	}
	return postAndPrint(cmd.OutOrStdout(), "/api/functions/"+args[0]+"/invoke", body, headers)
}

func runContinue(cmd *cobra.Command, args []string) error {
	input, err := readInput(invokeInput)
	if err != nil {
		return err
	}
	body := map[string]any{"input": input, "async": invokeAsync}
	return postAndPrint(cmd.OutOrStdout(), "/api/executions/"+args[0]+"/continue", body, nil)
}

func readInput(arg string) (map[string]any, error) {
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return input, nil
}

func baseURL() (string, error) {
	if apiURL != "" {
		return strings.TrimRight(apiURL, "/"), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(cfg.Server.CallbackURL(), "/"), nil
}

func postAndPrint(out io.Writer, path string, body any, headers http.Header) error {
	base, err := baseURL()
	if err != nil {
		return err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header[k] = v
	}

	// Sync invocations hold the request open until the phase ends.
	client := &http.Client{Timeout: 16 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", base, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Fprintln(out, string(raw))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
