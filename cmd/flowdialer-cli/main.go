package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiHost  string
	apiToken string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "flowdialer-cli",
		Short: "CLI for the FlowDialer service",
		Long:  `A command-line tool to manage the FlowDialer dialing service remotely through its REST API.`,
	}

	rootCmd.PersistentFlags().StringVar(&apiHost, "host", "http://localhost:8080", "API base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("FLOWDIALER_TOKEN"), "Bearer token (or FLOWDIALER_TOKEN)")

	// === LOGIN ===
	var loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Obtain an API token",
		Run:   runLogin,
	}
	loginCmd.Flags().String("user", "", "Username")
	loginCmd.Flags().String("pass", "", "Password")

	// === DEVICES ===
	var deviceCmd = &cobra.Command{
		Use:   "device",
		Short: "Manage GoIP devices",
	}

	var deviceListCmd = &cobra.Command{
		Use:   "list",
		Short: "List devices",
		Run:   runDeviceList,
	}

	var deviceAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Register a device",
		Run:   runDeviceAdd,
	}
	deviceAddCmd.Flags().String("name", "", "Device name (required)")
	deviceAddCmd.Flags().String("address", "", "Gateway address")
	deviceAddCmd.Flags().Int("ports", 0, "Number of ports (required)")

	var deviceDeleteCmd = &cobra.Command{
		Use:   "delete [id]",
		Short: "Deregister a device",
		Args:  cobra.ExactArgs(1),
		Run:   runDeviceDelete,
	}
	deviceDeleteCmd.Flags().Bool("force", false, "Abort open calls and delete anyway")

	deviceCmd.AddCommand(deviceListCmd, deviceAddCmd, deviceDeleteCmd)

	// === PORTS ===
	var portsCmd = &cobra.Command{
		Use:   "ports",
		Short: "Show port pool state",
		Run:   runPorts,
	}

	var resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Force-release all busy ports",
		Run:   runReset,
	}

	// === DIALING ===
	var dialCmd = &cobra.Command{
		Use:   "dial",
		Short: "Manage campaign dialing",
	}

	var dialStartCmd = &cobra.Command{
		Use:   "start [campaign]",
		Short: "Start dialing a campaign",
		Args:  cobra.ExactArgs(1),
		Run:   runDialStart,
	}

	var dialStopCmd = &cobra.Command{
		Use:   "stop [job-id|campaign]",
		Short: "Stop a dialing job",
		Args:  cobra.ExactArgs(1),
		Run:   runDialStop,
	}
	dialStopCmd.Flags().Bool("campaign", false, "Treat the argument as a campaign id")

	var dialStatusCmd = &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		Run:   runDialStatus,
	}

	dialCmd.AddCommand(dialStartCmd, dialStopCmd, dialStatusCmd)

	// === TEST CALL ===
	var callCmd = &cobra.Command{
		Use:   "call",
		Short: "Place a test call",
		Run:   runCall,
	}
	callCmd.Flags().Int("port", 0, "Specific port number (0 = any)")
	callCmd.Flags().String("number", "", "Number to dial (required)")
	callCmd.Flags().Int("max-seconds", 0, "Hard release ceiling in seconds")

	rootCmd.AddCommand(loginCmd, deviceCmd, portsCmd, resetCmd, dialCmd, callCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// --- HANDLERS ---

func runLogin(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	pass, _ := cmd.Flags().GetString("pass")
	if user == "" || pass == "" {
		fmt.Println("Error: --user and --pass are required")
		os.Exit(1)
	}

	var resp struct {
		Token string `json:"token"`
	}
	apiPost("/api/v1/login", map[string]string{"username": user, "password": pass}, &resp)
	fmt.Println(resp.Token)
}

func runDeviceList(cmd *cobra.Command, args []string) {
	var devices []struct {
		ID        int64  `json:"id"`
		Name      string `json:"name"`
		Address   string `json:"address"`
		PortCount int    `json:"port_count"`
	}
	apiGet("/api/v1/devices", &devices)

	if len(devices) == 0 {
		fmt.Println("No devices registered")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tPORTS")
	fmt.Fprintln(w, "---\t----\t-------\t-----")
	for _, d := range devices {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", d.ID, d.Name, d.Address, d.PortCount)
	}
	w.Flush()
}

func runDeviceAdd(cmd *cobra.Command, args []string) {
	name, _ := cmd.Flags().GetString("name")
	address, _ := cmd.Flags().GetString("address")
	portCount, _ := cmd.Flags().GetInt("ports")

	var device struct {
		ID int64 `json:"id"`
	}
	apiPost("/api/v1/devices", map[string]interface{}{
		"name":       name,
		"address":    address,
		"port_count": portCount,
	}, &device)
	fmt.Printf("✓ Device #%d registered\n", device.ID)
}

func runDeviceDelete(cmd *cobra.Command, args []string) {
	force, _ := cmd.Flags().GetBool("force")
	path := fmt.Sprintf("/api/v1/devices/delete?id=%s&force=%v", args[0], force)
	apiPost(path, nil, nil)
	fmt.Printf("✓ Device #%s deregistered\n", args[0])
}

func runPorts(cmd *cobra.Command, args []string) {
	var resp struct {
		Available int `json:"available"`
		Ports     []struct {
			DeviceID int64  `json:"device_id"`
			Number   int    `json:"number"`
			Status   string `json:"status"`
			Campaign string `json:"campaign_id"`
		} `json:"ports"`
	}
	apiGet("/api/v1/ports", &resp)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tPORT\tSTATUS\tCAMPAIGN")
	fmt.Fprintln(w, "------\t----\t------\t--------")
	for _, p := range resp.Ports {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", p.DeviceID, p.Number, p.Status, p.Campaign)
	}
	w.Flush()
	fmt.Printf("\n%d port(s) available\n", resp.Available)
}

func runReset(cmd *cobra.Command, args []string) {
	var resp struct {
		Released int `json:"released"`
	}
	apiPost("/api/v1/ports/reset", map[string]string{}, &resp)
	fmt.Printf("✓ Released %d port(s)\n", resp.Released)
}

func runDialStart(cmd *cobra.Command, args []string) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	apiPost("/api/v1/dial/start", map[string]string{"campaign_id": args[0]}, &resp)
	fmt.Printf("✓ Dialing started, job %s\n", resp.JobID)
}

func runDialStop(cmd *cobra.Command, args []string) {
	byCampaign, _ := cmd.Flags().GetBool("campaign")
	body := map[string]string{"job_id": args[0]}
	if byCampaign {
		body = map[string]string{"campaign_id": args[0]}
	}
	apiPost("/api/v1/dial/stop", body, nil)
	fmt.Println("✓ Stop requested; in-flight calls will finish")
}

func runDialStatus(cmd *cobra.Command, args []string) {
	var job struct {
		Status    string `json:"status"`
		Dialed    int    `json:"dialed"`
		Completed int    `json:"completed"`
		Failed    int    `json:"failed"`
		Skipped   int    `json:"skipped"`
		InFlight  int    `json:"in_flight"`
	}
	apiGet("/api/v1/dial/status?id="+args[0], &job)
	fmt.Printf("Status:    %s\n", job.Status)
	fmt.Printf("Dialed:    %d\n", job.Dialed)
	fmt.Printf("Completed: %d\n", job.Completed)
	fmt.Printf("Failed:    %d\n", job.Failed)
	fmt.Printf("Skipped:   %d\n", job.Skipped)
	fmt.Printf("In flight: %d\n", job.InFlight)
}

func runCall(cmd *cobra.Command, args []string) {
	port, _ := cmd.Flags().GetInt("port")
	number, _ := cmd.Flags().GetString("number")
	maxSeconds, _ := cmd.Flags().GetInt("max-seconds")

	if number == "" {
		fmt.Println("Error: --number is required")
		os.Exit(1)
	}

	var resp struct {
		CallID string `json:"call_id"`
	}
	apiPost("/api/v1/call/test", map[string]interface{}{
		"port_number": port,
		"number":      number,
		"max_seconds": maxSeconds,
	}, &resp)
	fmt.Printf("✓ Test call placed: %s\n", resp.CallID)
}

// --- HTTP helpers ---

func apiGet(path string, out interface{}) {
	doRequest(http.MethodGet, path, nil, out)
}

func apiPost(path string, body interface{}, out interface{}) {
	doRequest(http.MethodPost, path, body, out)
}

func doRequest(method, path string, body interface{}, out interface{}) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fmt.Printf("Error encoding request: %v\n", err)
			os.Exit(1)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiHost+path, reader)
	if err != nil {
		fmt.Printf("Error building request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error contacting API: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Printf("API error (%d): %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			fmt.Printf("Error decoding response: %v\n", err)
			os.Exit(1)
		}
	}
}
