package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show API server status",
	Long:  `Check whether the Platepal API server from the config is reachable.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)) + "/healthz"

	health, latency, err := fetchHealth(url)
	out := cmd.OutOrStdout()
	if err != nil {
		fmt.Fprintln(out, "Status: stopped")
		fmt.Fprintf(out, "Error: %v\n", err)
		return nil
	}

	fmt.Fprintf(out, "Status: %s\n", health.Status)
	fmt.Fprintf(out, "Address: %s\n", url)
	fmt.Fprintf(out, "Websocket clients: %d\n", health.Clients)
	fmt.Fprintf(out, "Latency: %s\n", formatDuration(latency))
	return nil
}

func fetchHealth(url string) (healthResponse, time.Duration, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	start := time.Now()
	resp, err := client.Get(url)
	if err != nil {
		return healthResponse{}, 0, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return healthResponse{}, latency, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return healthResponse{}, latency, fmt.Errorf("invalid health response: %w", err)
	}
	return health, latency, nil
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
