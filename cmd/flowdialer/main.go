package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/chipside6/flow-dialer-sub000/internal/api"
	"github.com/chipside6/flow-dialer-sub000/internal/calls"
	"github.com/chipside6/flow-dialer-sub000/internal/config"
	"github.com/chipside6/flow-dialer-sub000/internal/database"
	"github.com/chipside6/flow-dialer-sub000/internal/dispatch"
	"github.com/chipside6/flow-dialer-sub000/internal/monitor"
	"github.com/chipside6/flow-dialer-sub000/internal/ports"
	"github.com/chipside6/flow-dialer-sub000/internal/signaling"
)

const defaultConfigPath = "/etc/flowdialer/flowdialer.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "start":
		cmdStart()
	case "device":
		cmdDevice()
	case "status":
		cmdStatus()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("FlowDialer - GoIP Port Allocation and Campaign Dialing Service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  flowdialer start                    Start the full service")
	fmt.Println("  flowdialer device add <args>        Register a GoIP device")
	fmt.Println("  flowdialer device list --owner <id> List devices")
	fmt.Println("  flowdialer device delete <id>       Deregister a device (--force aborts open calls)")
	fmt.Println("  flowdialer status                   Show service status hints")
	fmt.Println()
}

func loadConfig() *config.Config {
	configPath := os.Getenv("FLOWDIALER_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[Main] Error loading configuration: %v", err)
	}
	return cfg
}

// cmdStart wires and runs all service components
func cmdStart() {
	log.Println("[Main] FlowDialer Service v1.0")
	log.Println("[Main] Starting services...")

	cfg := loadConfig()

	dbConn, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("[Main] Error connecting to database: %v", err)
	}
	defer dbConn.Close()

	if err := database.RunMigrations(dbConn.DB); err != nil {
		log.Fatalf("[Main] Error running migrations: %v", err)
	}

	store := database.NewStore(dbConn)
	log.Println("[Main] ✓ Database connected")

	// core allocation components
	tracker := calls.NewTracker(store)
	registry := ports.NewRegistry(store, tracker)
	alloc := ports.NewAllocator(store, tracker)

	// signaling to the PBX the gateways register against
	amiClient := signaling.NewClient(&cfg.Signaling)
	if err := amiClient.Connect(); err != nil {
		log.Fatalf("[Main] Error connecting AMI: %v", err)
	}
	defer amiClient.Close()
	log.Println("[Main] ✓ AMI client connected")

	router := signaling.NewOutcomeRouter(amiClient, tracker.Active())
	router.Start()
	defer router.Stop()

	// dispatcher and its safety nets
	orch := dispatch.NewOrchestrator(alloc, tracker, store, store, amiClient, router.Outcomes(), cfg.Dialer)
	orch.Start()
	defer orch.Stop()
	log.Println("[Main] ✓ Dispatch orchestrator started")

	reclaimer := dispatch.NewReclaimer(tracker, store, alloc, orch, cfg.Dialer.ReclaimMaxAge())
	reclaimer.Start()
	defer reclaimer.Stop()
	log.Println("[Main] ✓ Stale call reclaimer started")

	// live monitoring
	hub := monitor.NewHub()
	go hub.Run()
	stats := monitor.NewStatsPublisher(hub, tracker, 5*time.Second)
	stats.Start()
	defer stats.Stop()

	// REST API
	apiServer := api.NewServer(cfg, registry, alloc, tracker, orch, store, store, hub)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatalf("[Main] Error starting API: %v", err)
		}
	}()

	log.Println("[Main] ========================================")
	log.Printf("[Main] API REST listening on %s", cfg.API.Address())
	log.Printf("[Main] AMI connected to %s", cfg.Signaling.Address())
	log.Println("[Main] Service started")
	log.Println("[Main] Press Ctrl+C to stop")
	log.Println("[Main] ========================================")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[Main] Stopping service...")
}

// cmdDevice manages the device inventory directly against the database
func cmdDevice() {
	if len(os.Args) < 3 {
		fmt.Println("Usage:")
		fmt.Println("  flowdialer device add --owner <id> --name <name> --ports <n> [--address <addr>]")
		fmt.Println("  flowdialer device list --owner <id>")
		fmt.Println("  flowdialer device delete <id> [--force]")
		os.Exit(1)
	}

	subcommand := os.Args[2]

	cfg := loadConfig()
	dbConn, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	defer dbConn.Close()

	store := database.NewStore(dbConn)
	tracker := calls.NewTracker(store)
	registry := ports.NewRegistry(store, tracker)

	switch subcommand {
	case "add":
		cmdDeviceAdd(registry)
	case "list":
		cmdDeviceList(registry)
	case "delete":
		if len(os.Args) < 4 {
			fmt.Println("Usage: flowdialer device delete <id> [--force]")
			os.Exit(1)
		}
		id, _ := strconv.ParseInt(os.Args[3], 10, 64)
		force := len(os.Args) > 4 && os.Args[4] == "--force"
		cmdDeviceDelete(registry, id, force)
	default:
		fmt.Printf("Unknown subcommand: %s\n", subcommand)
		os.Exit(1)
	}
}

func cmdDeviceAdd(registry *ports.Registry) {
	var owner int64
	var name, address string
	var portCount int

	for i := 3; i < len(os.Args); i += 2 {
		if i+1 >= len(os.Args) {
			break
		}
		key, value := os.Args[i], os.Args[i+1]
		switch key {
		case "--owner":
			owner, _ = strconv.ParseInt(value, 10, 64)
		case "--name":
			name = value
		case "--address":
			address = value
		case "--ports":
			portCount, _ = strconv.Atoi(value)
		}
	}

	device, err := registry.RegisterDevice(context.Background(), owner, name, address, portCount)
	if err != nil {
		fmt.Printf("Error registering device: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Device #%d '%s' registered with %d ports\n", device.ID, device.Name, device.PortCount)
}

func cmdDeviceList(registry *ports.Registry) {
	var owner int64
	for i := 3; i < len(os.Args); i += 2 {
		if i+1 < len(os.Args) && os.Args[i] == "--owner" {
			owner, _ = strconv.ParseInt(os.Args[i+1], 10, 64)
		}
	}
	if owner == 0 {
		fmt.Println("Error: --owner is required")
		os.Exit(1)
	}

	devices, err := registry.ListDevices(context.Background(), owner)
	if err != nil {
		fmt.Printf("Error listing devices: %v\n", err)
		os.Exit(1)
	}

	if len(devices) == 0 {
		fmt.Println("No devices registered")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tPORTS\tCREATED")
	fmt.Fprintln(w, "---\t----\t-------\t-----\t-------")
	for _, d := range devices {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			d.ID, d.Name, d.Address, d.PortCount, d.CreatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func cmdDeviceDelete(registry *ports.Registry, id int64, force bool) {
	if err := registry.DeregisterDevice(context.Background(), id, force); err != nil {
		fmt.Printf("Error deregistering device: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Device #%d deregistered\n", id)
}

func cmdStatus() {
	fmt.Println("FlowDialer Service Status")
	fmt.Println("=========================")
	fmt.Println()
	fmt.Println("To check the service:")
	fmt.Println("  systemctl status flowdialer")
	fmt.Println()
	fmt.Println("To follow logs:")
	fmt.Println("  journalctl -u flowdialer -f")
	fmt.Println()
	fmt.Println("To check the REST API:")
	fmt.Println("  curl http://localhost:8080/health")
}
